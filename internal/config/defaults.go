package config

// Failure policies for permanently failed items.
const (
	FailurePolicyRecord = "record"
	FailurePolicyDrop   = "drop"
)

// Backoff strategies for the retry delay.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

const (
	defaultConfigPath          = "~/.config/groundset/config.toml"
	defaultOutputDir           = "./output"
	defaultOutputName          = "annotations"
	defaultIDField             = "id"
	defaultBatchSize           = 50
	defaultMaxWorkers          = 16
	defaultKeepPartials        = 0
	defaultMinFreeMB           = 64
	defaultRetryMaxAttempts    = 3
	defaultRetryDelaySeconds   = 2.0
	defaultRetryMaxDelay       = 60.0
	defaultLLMBaseURL          = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel            = "qwen/qwen2.5-vl-72b-instruct"
	defaultLLMReferer          = "https://github.com/groundset/groundset"
	defaultLLMTitle            = "groundset"
	defaultLLMTimeoutSeconds   = 120
	defaultBreakerCooldown     = 30
	defaultAnnotateOutputField = "annotation"
	defaultAnnotateSystem      = "You annotate user interface screenshots. Respond with JSON only."
	defaultAnnotatePrompt      = "Describe the highlighted UI element. Return a JSON object with keys \"caption\" and \"element_type\"."
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
	ledgerFileName             = "ledger.db"
	maxBatchSize               = 100000
	maxWorkers                 = 1024
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Pipeline: Pipeline{
			OutputDir:     defaultOutputDir,
			OutputName:    defaultOutputName,
			IDField:       defaultIDField,
			BatchSize:     defaultBatchSize,
			MaxWorkers:    defaultMaxWorkers,
			FailurePolicy: FailurePolicyRecord,
			KeepPartials:  defaultKeepPartials,
			MinFreeMB:     defaultMinFreeMB,
		},
		Retry: Retry{
			MaxAttempts:     defaultRetryMaxAttempts,
			DelaySeconds:    defaultRetryDelaySeconds,
			Backoff:         BackoffLinear,
			MaxDelaySeconds: defaultRetryMaxDelay,
		},
		LLM: LLM{
			BaseURL:                defaultLLMBaseURL,
			Model:                  defaultLLMModel,
			Referer:                defaultLLMReferer,
			Title:                  defaultLLMTitle,
			TimeoutSeconds:         defaultLLMTimeoutSeconds,
			BreakerCooldownSeconds: defaultBreakerCooldown,
		},
		Annotate: Annotate{
			SystemPrompt: defaultAnnotateSystem,
			Prompt:       defaultAnnotatePrompt,
			OutputField:  defaultAnnotateOutputField,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Ledger: Ledger{
			Enabled: true,
		},
	}
}
