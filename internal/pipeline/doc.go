// Package pipeline drives a run: it loads the input, resumes from the output
// directory, and feeds batches through the executor one at a time.
//
// The coordinator goroutine owns all run state. Workers only return results;
// folding them into the accumulator, counting outcomes, writing the failure
// log and checkpoint, and recording the ledger all happen sequentially after
// each batch returns. A batch interrupted by cancellation is discarded so the
// last checkpoint on disk always describes fully committed batches.
//
// Failures before the first batch (invalid config, preflight, the run lock,
// unreadable input, ledger open) are returned wrapped in ErrSetup. Per-item
// failures never fail the run.
package pipeline
