// Package checkpoint persists the accumulated results of a run.
//
// After every batch the full set of successful results is written to
// <name>_partial_<offset>.jsonl, where offset is the start of the batch just
// completed; the last batch writes <name>_full.jsonl instead. Writes are
// atomic (temp file, fsync, rename) so a reader sees a complete file or none.
// Failed results live in a separate <name>_failures.jsonl log that is
// rewritten in full alongside each checkpoint.
package checkpoint
