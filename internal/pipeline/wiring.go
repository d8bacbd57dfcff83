package pipeline

import (
	"log/slog"
	"time"

	"groundset/internal/annotate"
	"groundset/internal/config"
	"groundset/internal/payload"
	"groundset/internal/retry"
	"groundset/internal/services"
	"groundset/internal/services/llm"
)

// NewRetrier builds a retry client from the [retry] section. Errors tagged
// with a permanent services marker are not retried unless opts install
// another classifier.
func NewRetrier(cfg *config.Config, logger *slog.Logger, opts ...retry.Option) *retry.Client {
	opts = append([]retry.Option{retry.WithLogger(logger), retry.WithRetryable(services.Retryable)}, opts...)
	return retry.New(retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Delay:       cfg.RetryDelay(),
		Backoff:     retry.Backoff(cfg.Retry.Backoff),
		MaxDelay:    cfg.RetryMaxDelay(),
	}, opts...)
}

// NewLLMClient builds the model client from the [llm] section.
func NewLLMClient(cfg *config.Config) *llm.Client {
	return llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		Referer:        cfg.LLM.Referer,
		Title:          cfg.LLM.Title,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
	}, llm.WithBreaker(cfg.LLM.BreakerFailures, time.Duration(cfg.LLM.BreakerCooldownSeconds)*time.Second))
}

// NewAnnotator wires the annotation worker: model client, retry policy
// classified by llm.IsRetryable, and the shared payload cache.
func NewAnnotator(cfg *config.Config, client annotate.Completer, cache *payload.Cache, logger *slog.Logger) *annotate.Task {
	retrier := NewRetrier(cfg, logger, retry.WithRetryable(llm.IsRetryable))
	return annotate.New(client, retrier, cache, annotate.Options{
		SystemPrompt: cfg.Annotate.SystemPrompt,
		Prompt:       cfg.Annotate.Prompt,
		OutputField:  cfg.Annotate.OutputField,
		ImageRoot:    cfg.Annotate.ImageRoot,
		Logger:       logger,
	})
}
