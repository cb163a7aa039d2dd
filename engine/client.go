// Package engine talks to the network server that owns the pix2pix
// generator and discriminator.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tsawler/go-pix2pix/async"
	"github.com/tsawler/go-pix2pix/checkpoints"
	"github.com/tsawler/go-pix2pix/training"
)

// ClientConfig contains configuration for the network server client
type ClientConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"` // For idempotent requests
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultClientConfig returns default configuration for the client
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       5 * time.Minute,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// SetupRequest builds the networks on the server
type SetupRequest struct {
	Device         string `json:"device"`
	InputChannels  int    `json:"input_channels"`
	OutputChannels int    `json:"output_channels"`
	ImageSize      int    `json:"image_size"`
	Seed           int64  `json:"seed"`
}

// APIError is a non-200 answer of the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

type modeRequest struct {
	Mode string `json:"mode"`
}

type optimizeRequest struct {
	Query    Tensor `json:"query"`
	Database Tensor `json:"database"`
}

type optimizeResponse struct {
	LossGGAN  float64 `json:"loss_G_GAN"`
	LossGL1   float64 `json:"loss_G_L1"`
	LossDReal float64 `json:"loss_D_real"`
	LossDFake float64 `json:"loss_D_fake"`
}

type translateRequest struct {
	Query Tensor `json:"query"`
}

type translateResponse struct {
	Output Tensor `json:"output"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client drives the networks over HTTP. It implements training.Model,
// training.ModeSwitcher and evaluation.Translator. A Client serves one
// training loop at a time.
type Client struct {
	config     ClientConfig
	baseURL    string
	httpClient *http.Client
	logger     *zap.SugaredLogger

	staged *optimizeRequest
	losses training.Losses
}

var _ training.Model = (*Client)(nil)
var _ training.ModeSwitcher = (*Client)(nil)

// NewClient creates a new client
func NewClient(config ClientConfig, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 1
	}
	return &Client{
		config:  config,
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}
}

// CheckHealth checks if the server is available
func (c *Client) CheckHealth(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, true)
}

// Setup builds generator, discriminator and their optimizers
func (c *Client) Setup(ctx context.Context, req SetupRequest) error {
	if err := c.do(ctx, http.MethodPost, "/v1/setup", req, nil, false); err != nil {
		return fmt.Errorf("failed to set up networks: %w", err)
	}
	c.logger.Infow("Networks ready", "device", req.Device, "input_channels", req.InputChannels, "output_channels", req.OutputChannels)
	return nil
}

// Train switches the networks to training mode
func (c *Client) Train(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/mode", modeRequest{Mode: "train"}, nil, true)
}

// Eval switches the networks to evaluation mode
func (c *Client) Eval(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/mode", modeRequest{Mode: "eval"}, nil, true)
}

// SetInput encodes the batch for the next optimization step. The batch
// buffers may be recycled once SetInput returns.
func (c *Client) SetInput(batch *async.Batch) error {
	query, err := EncodeTensor(batch.Query, batch.QueryShape)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	database, err := EncodeTensor(batch.Database, batch.DatabaseShape)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	c.staged = &optimizeRequest{Query: query, Database: database}
	return nil
}

// OptimizeParameters runs one discriminator and generator update on the
// staged batch
func (c *Client) OptimizeParameters(ctx context.Context) error {
	if c.staged == nil {
		return errors.New("no input staged")
	}
	var resp optimizeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/optimize", c.staged, &resp, false); err != nil {
		return err
	}
	c.staged = nil
	c.losses = training.Losses{GAN: resp.LossGGAN, L1: resp.LossGL1}
	c.logger.Debugw("Optimization step", "loss_G_GAN", resp.LossGGAN, "loss_G_L1", resp.LossGL1,
		"loss_D_real", resp.LossDReal, "loss_D_fake", resp.LossDFake)
	return nil
}

// Losses returns the generator losses of the last step
func (c *Client) Losses() training.Losses {
	return c.losses
}

// State downloads weights and optimizer state of both networks
func (c *Client) State(ctx context.Context) (*checkpoints.ModelState, error) {
	var state checkpoints.ModelState
	if err := c.do(ctx, http.MethodGet, "/v1/state", nil, &state, true); err != nil {
		return nil, fmt.Errorf("failed to fetch model state: %w", err)
	}
	return &state, nil
}

// LoadState uploads a state produced by State
func (c *Client) LoadState(ctx context.Context, state *checkpoints.ModelState) error {
	if err := c.do(ctx, http.MethodPut, "/v1/state", state, nil, true); err != nil {
		return fmt.Errorf("failed to load model state: %w", err)
	}
	return nil
}

// Translate runs the generator on a batch of NCHW queries
func (c *Client) Translate(ctx context.Context, query []float32, shape []int) ([]float32, []int, error) {
	payload, err := EncodeTensor(query, shape)
	if err != nil {
		return nil, nil, err
	}
	var resp translateResponse
	if err := c.do(ctx, http.MethodPost, "/v1/translate", translateRequest{Query: payload}, &resp, true); err != nil {
		return nil, nil, err
	}
	values, err := resp.Output.Values()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid translation: %w", err)
	}
	return values, resp.Output.Shape, nil
}

// do sends one JSON request. Idempotent requests are retried on transport
// errors and 5xx answers.
func (c *Client) do(ctx context.Context, method, path string, in, out any, idempotent bool) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	attempts := 1
	if idempotent {
		attempts = c.config.RetryAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retry, err := c.send(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
		c.logger.Debugw("Retrying request", "path", path, "attempt", attempt+1, "error", err)
	}
	return lastErr
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "go-pix2pix-training")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		message := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		return resp.StatusCode >= 500, &APIError{StatusCode: resp.StatusCode, Message: message}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return false, fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}
	return false, nil
}
