package testsupport

import (
	"path/filepath"
	"testing"

	"groundset/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Batches are small, retries fast, and the ledger lives in the output
// directory. Options are applied last.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Pipeline.InputPath = filepath.Join(base, "items.jsonl")
	cfgVal.Pipeline.OutputDir = filepath.Join(base, "out")
	cfgVal.Pipeline.OutputName = "results"
	cfgVal.Pipeline.BatchSize = 2
	cfgVal.Pipeline.MaxWorkers = 4
	cfgVal.Pipeline.MinFreeMB = 0
	cfgVal.Retry.MaxAttempts = 2
	cfgVal.Retry.DelaySeconds = 0.001
	cfgVal.Retry.MaxDelaySeconds = 0.01
	cfgVal.Retry.Backoff = config.BackoffFixed
	cfgVal.LLM.APIKey = "test"
	cfgVal.Logging.Level = "debug"
	cfgVal.Ledger.Enabled = true
	cfgVal.Ledger.Path = filepath.Join(base, "out", "ledger.db")

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithBatchSize overrides the batch size.
func WithBatchSize(size int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.BatchSize = size
	}
}

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(attempts int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Retry.MaxAttempts = attempts
	}
}

// WithFailurePolicy overrides the failure policy.
func WithFailurePolicy(policy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.FailurePolicy = policy
	}
}

// WithRetryFailed re-queues previously failed items on resume.
func WithRetryFailed() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.RetryFailedOnResume = true
	}
}

// WithoutLedger disables the SQLite run ledger.
func WithoutLedger() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Ledger.Enabled = false
		b.cfg.Ledger.Path = ""
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Pipeline.InputPath)
}
