package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePipeline(); err != nil {
		return err
	}
	c.normalizeRetry()
	c.normalizeLLM()
	if err := c.normalizeAnnotate(); err != nil {
		return err
	}
	if err := c.normalizeLogging(); err != nil {
		return err
	}
	return c.normalizeLedger()
}

func (c *Config) normalizePipeline() error {
	var err error
	if strings.TrimSpace(c.Pipeline.InputPath) != "" {
		if c.Pipeline.InputPath, err = expandPath(strings.TrimSpace(c.Pipeline.InputPath)); err != nil {
			return fmt.Errorf("pipeline.input_path: %w", err)
		}
	}
	if strings.TrimSpace(c.Pipeline.OutputDir) == "" {
		c.Pipeline.OutputDir = defaultOutputDir
	}
	if c.Pipeline.OutputDir, err = expandPath(strings.TrimSpace(c.Pipeline.OutputDir)); err != nil {
		return fmt.Errorf("pipeline.output_dir: %w", err)
	}
	c.Pipeline.OutputName = strings.TrimSpace(c.Pipeline.OutputName)
	if c.Pipeline.OutputName == "" {
		c.Pipeline.OutputName = defaultOutputName
	}
	c.Pipeline.IDField = strings.TrimSpace(c.Pipeline.IDField)
	if c.Pipeline.IDField == "" {
		c.Pipeline.IDField = defaultIDField
	}
	c.Pipeline.FailurePolicy = strings.ToLower(strings.TrimSpace(c.Pipeline.FailurePolicy))
	if c.Pipeline.FailurePolicy == "" {
		c.Pipeline.FailurePolicy = FailurePolicyRecord
	}
	if c.Pipeline.KeepPartials < 0 {
		c.Pipeline.KeepPartials = 0
	}
	if c.Pipeline.MinFreeMB < 0 {
		c.Pipeline.MinFreeMB = 0
	}
	return nil
}

func (c *Config) normalizeRetry() {
	c.Retry.Backoff = strings.ToLower(strings.TrimSpace(c.Retry.Backoff))
	if c.Retry.Backoff == "" {
		c.Retry.Backoff = BackoffLinear
	}
	if c.Retry.MaxDelaySeconds < 0 {
		c.Retry.MaxDelaySeconds = 0
	}
}

func (c *Config) normalizeLLM() {
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	for _, name := range []string{"GROUNDSET_API_KEY", "OPENROUTER_API_KEY", "OPENAI_API_KEY"} {
		if c.LLM.APIKey != "" {
			break
		}
		c.LLM.APIKey = strings.TrimSpace(os.Getenv(name))
	}
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.LLM.Model == "" {
		c.LLM.Model = defaultLLMModel
	}
	c.LLM.Referer = strings.TrimSpace(c.LLM.Referer)
	c.LLM.Title = strings.TrimSpace(c.LLM.Title)
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeoutSeconds
	}
	if c.LLM.BreakerFailures < 0 {
		c.LLM.BreakerFailures = 0
	}
	if c.LLM.BreakerCooldownSeconds <= 0 {
		c.LLM.BreakerCooldownSeconds = defaultBreakerCooldown
	}
}

func (c *Config) normalizeAnnotate() error {
	c.Annotate.Prompt = strings.TrimSpace(c.Annotate.Prompt)
	if c.Annotate.Prompt == "" {
		c.Annotate.Prompt = defaultAnnotatePrompt
	}
	c.Annotate.SystemPrompt = strings.TrimSpace(c.Annotate.SystemPrompt)
	if c.Annotate.SystemPrompt == "" {
		c.Annotate.SystemPrompt = defaultAnnotateSystem
	}
	c.Annotate.OutputField = strings.TrimSpace(c.Annotate.OutputField)
	if c.Annotate.OutputField == "" {
		c.Annotate.OutputField = defaultAnnotateOutputField
	}
	if strings.TrimSpace(c.Annotate.ImageRoot) != "" {
		var err error
		if c.Annotate.ImageRoot, err = expandPath(strings.TrimSpace(c.Annotate.ImageRoot)); err != nil {
			return fmt.Errorf("annotate.image_root: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeLogging() error {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json", "tint":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if strings.TrimSpace(c.Logging.Dir) != "" {
		var err error
		if c.Logging.Dir, err = expandPath(strings.TrimSpace(c.Logging.Dir)); err != nil {
			return fmt.Errorf("logging.dir: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeLedger() error {
	if !c.Ledger.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Ledger.Path) == "" {
		c.Ledger.Path = filepath.Join(c.Pipeline.OutputDir, ledgerFileName)
		return nil
	}
	var err error
	if c.Ledger.Path, err = expandPath(strings.TrimSpace(c.Ledger.Path)); err != nil {
		return fmt.Errorf("ledger.path: %w", err)
	}
	return nil
}
