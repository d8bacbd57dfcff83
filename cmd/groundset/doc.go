// Package main hosts the groundset CLI entrypoint and command graph.
//
// The Cobra command tree loads configuration, applies flag overrides, and
// hands off to the pipeline for runs. The read-only commands (status,
// failures, runs) inspect the output directory and the run ledger without
// taking the run lock, so they are safe to use while a run is in progress.
//
// Keep this package lean: behavior lives in internal packages and is surfaced
// here through flags and rendering.
package main
