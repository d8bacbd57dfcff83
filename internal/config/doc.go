// Package config loads, normalizes, and validates groundset configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// OPENROUTER_API_KEY. The Config type is loaded once at process start and is
// treated as immutable afterwards; command-line flags are applied through
// LoadWith before normalization so they pass the same validation as file
// values.
package config
