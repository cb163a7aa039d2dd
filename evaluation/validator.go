// Package evaluation scores a generator on the validation split.
package evaluation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-pix2pix/async"
	"github.com/tsawler/go-pix2pix/training"
	"github.com/tsawler/go-pix2pix/vision/preprocessing"
	"github.com/tsawler/go-pix2pix/vision/quality"
)

// Translator runs the generator on a batch of NCHW queries
type Translator interface {
	Translate(ctx context.Context, query []float32, shape []int) ([]float32, []int, error)
}

// Config configures validation passes
type Config struct {
	BatchSize int
	Workers   int
	OutputDir string // Visualizations go to <OutputDir>/epoch_<n>
}

// DefaultConfig returns the validation configuration of the training runs
func DefaultConfig() Config {
	return Config{
		BatchSize: 8,
		Workers:   4,
		OutputDir: "visuals",
	}
}

// Validator scores translations of the validation set with PSNR and
// MS-SSIM. Images are in [-1, 1] and scored on [0, 1].
type Validator struct {
	config Config
	data   async.DataSource
	pool   *async.BufferPool
	logger *zap.SugaredLogger
}

// NewValidator creates a validator over data
func NewValidator(data async.DataSource, config Config, pool *async.BufferPool, logger *zap.SugaredLogger) (*Validator, error) {
	if data == nil || data.Len() == 0 {
		return nil, fmt.Errorf("validation set is empty")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if pool == nil {
		pool = async.NewBufferPool()
	}
	return &Validator{config: config, data: data, pool: pool, logger: logger}, nil
}

// Score translates every validation query and averages the scores. When
// req.Visualize is set, query | output | target strips of the notable
// indices are saved as PNG.
func (v *Validator) Score(ctx context.Context, model training.Model, req training.ScoreRequest) (training.ValidationResult, error) {
	translator, ok := model.(Translator)
	if !ok {
		return training.ValidationResult{}, fmt.Errorf("model %T cannot translate images", model)
	}
	if ms, ok := model.(training.ModeSwitcher); ok {
		if err := ms.Eval(ctx); err != nil {
			return training.ValidationResult{}, fmt.Errorf("failed to switch model to evaluation mode: %w", err)
		}
	}

	notable := make(map[int]bool, len(req.NotableIndices))
	if req.Visualize {
		for _, idx := range req.NotableIndices {
			notable[idx] = true
		}
	}
	visualDir := filepath.Join(v.config.OutputDir, fmt.Sprintf("epoch_%d", req.Epoch))

	loader, err := async.NewAsyncDataLoader(v.data, async.AsyncDataLoaderConfig{
		BatchSize: v.config.BatchSize,
		Workers:   v.config.Workers,
		Pool:      v.pool,
	})
	if err != nil {
		return training.ValidationResult{}, err
	}

	var (
		psnrs   []float64
		msssims []float64
		written []string
	)
	err = loader.ForEach(ctx, func(batch *async.Batch) error {
		output, shape, err := translator.Translate(ctx, batch.Query, batch.QueryShape)
		if err != nil {
			return fmt.Errorf("translation failed: %w", err)
		}
		if !sameShape(shape, batch.DatabaseShape) || len(output) != len(batch.Database) {
			return fmt.Errorf("generator output shape %v does not match target shape %v", shape, batch.DatabaseShape)
		}

		n := batch.Size()
		imageShape := batch.DatabaseShape[1:]
		imageLen := len(batch.Database) / n
		queryLen := len(batch.Query) / n
		for i, idx := range batch.Indices {
			fake := output[i*imageLen : (i+1)*imageLen]
			target := batch.Database[i*imageLen : (i+1)*imageLen]

			p, m, err := score(fake, target, imageShape)
			if err != nil {
				return fmt.Errorf("failed to score image %d: %w", idx, err)
			}
			psnrs = append(psnrs, p)
			msssims = append(msssims, m)

			if notable[idx] {
				path, err := v.visualize(visualDir, idx,
					batch.Query[i*queryLen:(i+1)*queryLen], batch.QueryShape[1:],
					fake, target, imageShape)
				if err != nil {
					return err
				}
				written = append(written, path)
			}
		}
		return nil
	})
	if err != nil {
		return training.ValidationResult{}, err
	}

	result := training.ValidationResult{
		PSNR:           stat.Mean(psnrs, nil),
		MSSSIM:         stat.Mean(msssims, nil),
		Visualizations: written,
	}
	result.Summary = fmt.Sprintf("PSNR: %.2f, MS-SSIM: %.4f", result.PSNR, result.MSSSIM)
	v.logger.Debugw("Validation pass finished", "epoch", req.Epoch, "images", len(psnrs), "visualizations", len(written))
	return result, nil
}

// score rescales both images from [-1, 1] to [0, 1] and scores them
func score(fake, target []float32, shape []int) (float64, float64, error) {
	a := unitRange(target)
	b := unitRange(fake)
	p, err := quality.PSNR(a, b, 1)
	if err != nil {
		return 0, 0, err
	}
	m, err := quality.MSSSIM(a, b, shape, 1)
	if err != nil {
		return 0, 0, err
	}
	return p, m, nil
}

func unitRange(values []float32) []float32 {
	out := make([]float32, len(values))
	for i, v := range values {
		switch {
		case v < -1:
			v = -1
		case v > 1:
			v = 1
		}
		out[i] = (v + 1) / 2
	}
	return out
}

func (v *Validator) visualize(dir string, idx int, query []float32, queryShape []int, fake, target []float32, shape []int) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create visualization directory: %w", err)
	}

	q, err := preprocessing.ToImage(query, queryShape[0], queryShape[1], queryShape[2])
	if err != nil {
		return "", err
	}
	f, err := preprocessing.ToImage(fake, shape[0], shape[1], shape[2])
	if err != nil {
		return "", err
	}
	r, err := preprocessing.ToImage(target, shape[0], shape[1], shape[2])
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, strconv.Itoa(idx)+".png")
	if err := preprocessing.SavePNG(path, preprocessing.Tile(q, f, r)); err != nil {
		return "", fmt.Errorf("failed to save visualization: %w", err)
	}
	return path, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
