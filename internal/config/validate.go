package config

import (
	"errors"
	"fmt"
	"regexp"

	"groundset/internal/batch"
)

var outputNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePipeline() error {
	if err := batch.Validate(c.Pipeline.BatchSize); err != nil {
		return fmt.Errorf("pipeline.batch_size: %w", err)
	}
	if c.Pipeline.BatchSize > maxBatchSize {
		return fmt.Errorf("pipeline.batch_size must be at most %d", maxBatchSize)
	}
	if c.Pipeline.MaxWorkers < 1 || c.Pipeline.MaxWorkers > maxWorkers {
		return fmt.Errorf("pipeline.max_workers must be between 1 and %d", maxWorkers)
	}
	if c.Pipeline.ItemTimeoutSeconds < 0 {
		return errors.New("pipeline.item_timeout_seconds must be >= 0")
	}
	if !outputNamePattern.MatchString(c.Pipeline.OutputName) {
		return fmt.Errorf("pipeline.output_name %q may only contain letters, digits, '.', '_' and '-'", c.Pipeline.OutputName)
	}
	switch c.Pipeline.FailurePolicy {
	case FailurePolicyRecord, FailurePolicyDrop:
	default:
		return fmt.Errorf("pipeline.failure_policy must be %q or %q", FailurePolicyRecord, FailurePolicyDrop)
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be positive")
	}
	if c.Retry.DelaySeconds <= 0 {
		return errors.New("retry.delay_seconds must be positive")
	}
	switch c.Retry.Backoff {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("retry.backoff must be one of %q, %q, %q", BackoffFixed, BackoffLinear, BackoffExponential)
	}
	if c.Retry.MaxDelaySeconds > 0 && c.Retry.MaxDelaySeconds < c.Retry.DelaySeconds {
		return errors.New("retry.max_delay_seconds must be >= retry.delay_seconds")
	}
	return nil
}

func (c *Config) validateLLM() error {
	if c.LLM.TimeoutSeconds <= 0 {
		return errors.New("llm.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
}

// ValidateForRun checks the fields a pipeline run needs beyond the static
// configuration: an input path and model credentials.
func (c *Config) ValidateForRun() error {
	if c.Pipeline.InputPath == "" {
		return errors.New("pipeline.input_path is required (set it in the config or pass --input)")
	}
	if c.LLM.APIKey == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("llm.api_key is required. Set OPENROUTER_API_KEY or edit %s (create with 'groundset config init')", defaultPath)
	}
	return nil
}
