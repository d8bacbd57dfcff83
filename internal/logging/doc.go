// Package logging assembles structured slog loggers and formatting helpers used
// across groundset.
//
// It owns the console, JSON, and tint handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so pipeline code can tag log
// lines with run IDs, batch offsets, and item keys. The package also provides
// a no-op logger for tests and wiring code that cannot fail.
package logging
