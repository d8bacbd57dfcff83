// Package workitem defines the unit of pipeline input and its per-run outcome.
//
// Items are read once from a JSONL file or a single JSON array. Every item
// carries a stable key used for checkpoint identity, resume filtering, and the
// failure log: the configured id field when present, then a path-like field,
// then a content hash of the record.
package workitem
