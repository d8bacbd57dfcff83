// Package preflight provides readiness checks for the filesystem paths and
// the model endpoint a run depends on.
//
// The pipeline calls RunAll before taking the run lock; any failed check is a
// setup error and no batch is attempted. The CLI "groundset status --check"
// command reuses the individual checks (including CheckLLM) to display
// health without starting a run.
package preflight
