// Package llm provides an OpenAI-compatible chat client (OpenRouter by
// default) for vision-language annotation.
//
// # Entry Points
//
// NewClient: construct client from Config.
// Client.Complete: send system/user prompts, receive the JSON content.
// Client.CompleteVision: same, with one image attached as an image_url part.
// Client.HealthCheck: verify API key and model availability.
// DecodeJSON: decode a model answer, tolerating code fences.
//
// # Failures
//
// Every call is a single HTTP request. Failures come back typed so a retry
// policy can classify them: *StatusError carries the HTTP status and any
// Retry-After hint, *EmptyContentError reports an answer without content.
// IsRetryable treats 408/429/5xx, empty content, transport errors, and an
// open circuit breaker as transient; other 4xx responses are permanent.
//
// # Circuit Breaker
//
// WithBreaker wraps requests in a sony/gobreaker circuit that opens after a
// run of consecutive transient failures, so a downed endpoint fails items
// quickly instead of holding every worker slot in backoff.
package llm
