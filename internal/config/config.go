package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"groundset/internal/fileutil"
)

//go:embed sample_config.toml
var sampleConfig string

// Pipeline contains the batch loop settings.
type Pipeline struct {
	InputPath           string `toml:"input_path"`
	OutputDir           string `toml:"output_dir"`
	OutputName          string `toml:"output_name"`
	IDField             string `toml:"id_field"`
	BatchSize           int    `toml:"batch_size"`
	MaxWorkers          int    `toml:"max_workers"`
	ItemTimeoutSeconds  int    `toml:"item_timeout_seconds"`
	FailurePolicy       string `toml:"failure_policy"`
	RetryFailedOnResume bool   `toml:"retry_failed_on_resume"`
	KeepPartials        int    `toml:"keep_partials"`
	MinFreeMB           int    `toml:"min_free_mb"`
}

// Retry contains the remote call retry budget.
type Retry struct {
	MaxAttempts     int     `toml:"max_attempts"`
	DelaySeconds    float64 `toml:"delay_seconds"`
	Backoff         string  `toml:"backoff"`
	MaxDelaySeconds float64 `toml:"max_delay_seconds"`
}

// LLM contains the model endpoint connection settings.
type LLM struct {
	APIKey                 string `toml:"api_key"`
	BaseURL                string `toml:"base_url"`
	Model                  string `toml:"model"`
	Referer                string `toml:"referer"`
	Title                  string `toml:"title"`
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	BreakerFailures        int    `toml:"breaker_failures"`
	BreakerCooldownSeconds int    `toml:"breaker_cooldown_seconds"`
}

// Annotate contains the settings of the annotation task.
type Annotate struct {
	SystemPrompt string `toml:"system_prompt"`
	Prompt       string `toml:"prompt"`
	OutputField  string `toml:"output_field"`
	ImageRoot    string `toml:"image_root"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	Dir    string `toml:"dir"`
}

// Ledger contains configuration for the SQLite run ledger.
type Ledger struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Config encapsulates all configuration values for groundset.
//
// Configuration sections by subsystem:
//   - Pipeline: input/output locations, batch sizing, concurrency, failure policy
//   - Retry: attempt budget and backoff for remote calls
//   - LLM: vision model endpoint
//   - Annotate: prompt and record shaping for the annotation task
//   - Logging: log format, level, and optional log directory
//   - Ledger: SQLite outcome history used for failure audits
type Config struct {
	Pipeline Pipeline `toml:"pipeline"`
	Retry    Retry    `toml:"retry"`
	LLM      LLM      `toml:"llm"`
	Annotate Annotate `toml:"annotate"`
	Logging  Logging  `toml:"logging"`
	Ledger   Ledger   `toml:"ledger"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, normalizes, and validates a configuration file. A
// missing file yields defaults. The returned config has all paths expanded.
func Load(path string) (*Config, string, bool, error) {
	return LoadWith(path, nil)
}

// LoadWith behaves like Load but applies override before normalization so
// command-line flags take precedence over file values.
func LoadWith(path string, override func(*Config)) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if override != nil {
		override(&cfg)
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("groundset.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the output and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Pipeline.OutputDir}
	if c.Logging.Dir != "" {
		dirs = append(dirs, c.Logging.Dir)
	}
	if c.Ledger.Enabled && c.Ledger.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Ledger.Path))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RetryDelay returns the configured base delay between attempts.
func (c *Config) RetryDelay() time.Duration {
	return secondsToDuration(c.Retry.DelaySeconds)
}

// RetryMaxDelay returns the configured cap on a single retry delay.
func (c *Config) RetryMaxDelay() time.Duration {
	return secondsToDuration(c.Retry.MaxDelaySeconds)
}

// ItemTimeout returns the per-item deadline, or zero when disabled.
func (c *Config) ItemTimeout() time.Duration {
	if c.Pipeline.ItemTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Pipeline.ItemTimeoutSeconds) * time.Second
}

// RecordFailures reports whether permanently failed items are persisted to the
// failure log instead of being dropped.
func (c *Config) RecordFailures() bool {
	return c.Pipeline.FailurePolicy != FailurePolicyDrop
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if err := fileutil.WriteFileAtomic(path, []byte(sampleConfig)); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
