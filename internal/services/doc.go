// Package services defines shared utilities consumed by the pipeline stages
// and the remote integrations they call.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, batch offsets, item keys, and retry
//     attempts for logging.
//   - Structured error markers plus the Wrap helper that separate permanent
//     failures (bad input, bad configuration) from transient ones worth
//     retrying.
//
// Use these helpers when wiring new workers so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
