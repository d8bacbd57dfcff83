// Package ledger records pipeline runs and per-item outcomes in SQLite.
//
// The Store is written only by the pipeline coordinator: one row per run and
// one row per (run, item key) upserted as each batch is checkpointed. The CLI
// reads it back to list recent runs and to export the original records of
// failed items for reprocessing.
//
// Schema changes bump schemaVersion in schema.go; users delete the database
// to adopt the new schema. Checkpoint files remain the source of truth for
// resume; the ledger is an audit trail.
package ledger
