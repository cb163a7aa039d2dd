package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// SidecarConfig contains configuration for the network server process
type SidecarConfig struct {
	Port           int           `json:"port"`
	AutoStart      bool          `json:"auto_start"`
	DockerMode     bool          `json:"docker_mode"`
	SidecarDir     string        `json:"sidecar_dir"`
	StartupTimeout time.Duration `json:"startup_timeout"`
}

// DefaultSidecarConfig returns default configuration for the sidecar
func DefaultSidecarConfig() SidecarConfig {
	return SidecarConfig{
		Port:           8080,
		AutoStart:      true,
		DockerMode:     false,
		SidecarDir:     "", // Will be auto-detected
		StartupTimeout: 60 * time.Second,
	}
}

// SidecarManager starts and stops the network server when it is not
// already running
type SidecarManager struct {
	config      SidecarConfig
	sidecarPath string
	process     *exec.Cmd
	started     bool
	logger      *zap.SugaredLogger
	httpClient  *http.Client
}

// NewSidecarManager creates a new sidecar manager
func NewSidecarManager(config SidecarConfig, logger *zap.SugaredLogger) (*SidecarManager, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = DefaultSidecarConfig().StartupTimeout
	}

	sm := &SidecarManager{
		config:     config,
		logger:     logger,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	if !config.AutoStart {
		return sm, nil
	}

	sidecarPath := config.SidecarDir
	if sidecarPath == "" {
		detected, err := detectSidecarPath()
		if err != nil {
			return nil, fmt.Errorf("failed to detect sidecar path: %w", err)
		}
		sidecarPath = detected
	}
	if !config.DockerMode && !fileExists(filepath.Join(sidecarPath, "app.py")) {
		return nil, fmt.Errorf("sidecar app.py not found at %s", sidecarPath)
	}
	sm.sidecarPath = sidecarPath
	return sm, nil
}

// BaseURL returns the base URL of the server
func (sm *SidecarManager) BaseURL() string {
	return fmt.Sprintf("http://localhost:%d", sm.config.Port)
}

// IsRunning checks if the server answers its health check
func (sm *SidecarManager) IsRunning(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sm.BaseURL()+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := sm.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// EnsureRunning starts the server if needed and waits until it is healthy
func (sm *SidecarManager) EnsureRunning(ctx context.Context) error {
	if sm.IsRunning(ctx) {
		return nil
	}
	if !sm.config.AutoStart {
		return fmt.Errorf("network server not running at %s and auto-start is disabled", sm.BaseURL())
	}

	sm.logger.Infow("Starting network server", "dir", sm.sidecarPath, "port", sm.config.Port, "docker", sm.config.DockerMode)
	if err := sm.start(ctx); err != nil {
		return fmt.Errorf("failed to start network server: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, sm.config.StartupTimeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if sm.IsRunning(ctx) {
			sm.logger.Infow("Network server is running", "url", sm.BaseURL())
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for network server to start")
		case <-ticker.C:
		}
	}
}

// Stop stops a server this manager started
func (sm *SidecarManager) Stop() error {
	if !sm.started {
		return nil
	}
	sm.started = false

	if sm.config.DockerMode {
		cmd := exec.Command("docker", "compose", "down")
		cmd.Dir = sm.sidecarPath
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to stop Docker service: %w\nOutput: %s", err, string(output))
		}
		return nil
	}

	if sm.process != nil && sm.process.Process != nil {
		if err := sm.process.Process.Kill(); err != nil {
			return fmt.Errorf("failed to stop Python service: %w", err)
		}
		sm.process.Wait()
		sm.process = nil
	}
	return nil
}

func (sm *SidecarManager) start(ctx context.Context) error {
	if sm.config.DockerMode {
		if !commandExists("docker") {
			return fmt.Errorf("docker command not found")
		}
		cmd := exec.CommandContext(ctx, "docker", "compose", "up", "-d")
		cmd.Dir = sm.sidecarPath
		cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", sm.config.Port))
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to start Docker service: %w\nOutput: %s", err, string(output))
		}
		sm.started = true
		return nil
	}

	pythonCmd := "python3"
	if runtime.GOOS == "windows" {
		pythonCmd = "python"
	}
	cmd := exec.Command(pythonCmd, "app.py", "--port", fmt.Sprintf("%d", sm.config.Port))
	cmd.Dir = sm.sidecarPath
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return err
	}
	sm.process = cmd
	sm.started = true
	return nil
}

// detectSidecarPath attempts to find the server directory
func detectSidecarPath() (string, error) {
	candidates := []string{
		"./sidecar",
		"./app/sidecar",
		"../sidecar",
		"../../app/sidecar",
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for _, candidate := range candidates {
		fullPath := filepath.Join(cwd, candidate)
		if fileExists(filepath.Join(fullPath, "app.py")) {
			return filepath.Abs(fullPath)
		}
	}

	// Look next to the module root
	dir := cwd
	for {
		if fileExists(filepath.Join(dir, "go.mod")) {
			sidecarPath := filepath.Join(dir, "app", "sidecar")
			if fileExists(filepath.Join(sidecarPath, "app.py")) {
				return sidecarPath, nil
			}
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("sidecar directory not found in common locations")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func commandExists(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}
