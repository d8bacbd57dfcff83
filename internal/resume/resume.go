// Package resume reconstructs run state from the checkpoints left in an
// output directory so an interrupted run continues where it stopped.
//
// Resolution never fails: missing, malformed, or unreadable checkpoints fall
// back to a fresh start and are reported with a warning.
package resume

import (
	"log/slog"
	"path/filepath"
	"slices"

	"groundset/internal/checkpoint"
	"groundset/internal/logging"
	"groundset/internal/workitem"
)

// Controller locates and loads the latest checkpoint for one output name.
type Controller struct {
	Dir       string
	Name      string
	BatchSize int
	// RetryFailed re-queues previously failed items instead of carrying them
	// forward as failures.
	RetryFailed bool
	Logger      *slog.Logger
}

// State is the recovered progress of an earlier run.
type State struct {
	// NextOffset is the first input index not covered by the loaded
	// checkpoint. For a completed output it is the input length that run
	// covered, or zero when the checkpoint does not record it.
	NextOffset int
	// Results holds the successful results of the loaded checkpoint.
	Results []workitem.Result
	// Failures holds earlier failures carried into this run unchanged.
	Failures []workitem.Result
	// Retry holds earlier failures to attempt again (RetryFailed only).
	Retry []workitem.Result
	// Source is the checkpoint file the state came from, empty for a fresh start.
	Source    string
	Completed bool
}

// Resumed reports whether any earlier progress was found.
func (s State) Resumed() bool {
	return s.Source != ""
}

// Done returns the keys that must not be processed again in the main pass:
// every loaded success plus every carried failure.
func (s State) Done() map[string]struct{} {
	done := make(map[string]struct{}, len(s.Results)+len(s.Failures))
	for _, result := range s.Results {
		done[result.Key] = struct{}{}
	}
	for _, result := range s.Failures {
		done[result.Key] = struct{}{}
	}
	for _, result := range s.Retry {
		done[result.Key] = struct{}{}
	}
	return done
}

// Resume scans the directory and returns the state to continue from.
func (c Controller) Resume() State {
	logger := logging.NewComponentLogger(c.Logger, "resume")
	batchSize := max(c.BatchSize, 1)

	entries, err := checkpoint.Scan(c.Dir, c.Name)
	if err != nil {
		logging.WarnWithContext(logger, "checkpoint scan failed; starting from the beginning", "resume_fallback",
			logging.String("dir", c.Dir),
			logging.Error(err),
			logging.String(logging.FieldImpact, "all items will be processed"),
		)
		return State{}
	}

	state, ok := c.loadFinal(entries, logger)
	if !ok {
		state = c.loadLatestPartial(entries, batchSize, logger)
	}
	if !state.Resumed() {
		if len(entries) == 0 {
			logger.Debug("no checkpoint found", logging.String("dir", c.Dir), logging.String("name", c.Name))
		}
		return state
	}

	c.attachFailures(&state, logger)
	logger.Info("resuming from checkpoint",
		logging.String(logging.FieldEventType, "resume"),
		logging.String("source", state.Source),
		logging.Int("next_offset", state.NextOffset),
		logging.Int("results", len(state.Results)),
		logging.Int("carried_failures", len(state.Failures)),
		logging.Int("retry_failures", len(state.Retry)),
		logging.Bool("completed", state.Completed),
	)
	return state
}

func (c Controller) loadFinal(entries []checkpoint.Entry, logger *slog.Logger) (State, bool) {
	entry, ok := checkpoint.FinalEntry(entries)
	if !ok {
		return State{}, false
	}
	cp, err := checkpoint.Load(entry.Path)
	if err != nil {
		logging.WarnWithContext(logger, "final checkpoint unreadable; falling back to partials", "resume_fallback",
			logging.String("path", entry.Path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "items after the latest partial checkpoint will be processed again"),
		)
		return State{}, false
	}
	return State{NextOffset: cp.Covered, Results: successes(cp.Results), Source: entry.Path, Completed: true}, true
}

// loadLatestPartial tries partials from the highest offset down, so one
// damaged file costs one batch instead of the whole run.
func (c Controller) loadLatestPartial(entries []checkpoint.Entry, batchSize int, logger *slog.Logger) State {
	var partials []checkpoint.Entry
	for _, entry := range entries {
		if !entry.Final {
			partials = append(partials, entry)
		}
	}
	slices.SortFunc(partials, func(a, b checkpoint.Entry) int { return b.Offset - a.Offset })

	for _, entry := range partials {
		cp, err := checkpoint.Load(entry.Path)
		if err != nil {
			logging.WarnWithContext(logger, "checkpoint unreadable; trying an older one", "resume_fallback",
				logging.String("path", entry.Path),
				logging.Error(err),
				logging.String(logging.FieldImpact, "the batch covered by this checkpoint will be processed again"),
			)
			continue
		}
		// files without a recorded position fall back to the current batch size
		next := entry.Offset + batchSize
		if cp.Covered > 0 {
			next = cp.Covered
		}
		return State{
			NextOffset: next,
			Results:    successes(cp.Results),
			Source:     entry.Path,
		}
	}
	if len(partials) > 0 {
		logging.WarnWithContext(logger, "no readable checkpoint; starting from the beginning", "resume_fallback",
			logging.String("dir", c.Dir),
			logging.String(logging.FieldImpact, "all items will be processed"),
		)
	}
	return State{}
}

// attachFailures reads the failure log and keeps entries that the loaded
// checkpoint covers and did not later succeed. Failures past NextOffset
// belong to a batch that never committed and are dropped; that batch runs
// again.
func (c Controller) attachFailures(state *State, logger *slog.Logger) {
	path := filepath.Join(c.Dir, checkpoint.FailuresName(c.Name))
	failures, err := checkpoint.LoadFailures(path)
	if err != nil {
		logging.WarnWithContext(logger, "failure log unreadable; earlier failures are not carried", "resume_fallback",
			logging.String("path", path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "earlier failed items will be missing from the new failure log"),
		)
		return
	}

	succeededKeys := make(map[string]struct{}, len(state.Results))
	for _, result := range state.Results {
		succeededKeys[result.Key] = struct{}{}
	}

	byKey := make(map[string]int, len(failures))
	var kept []workitem.Result
	for _, failure := range failures {
		if failure.OK() {
			continue
		}
		if !state.Completed && failure.Index >= state.NextOffset {
			continue
		}
		if _, ok := succeededKeys[failure.Key]; ok {
			continue
		}
		if i, ok := byKey[failure.Key]; ok {
			kept[i] = failure
			continue
		}
		byKey[failure.Key] = len(kept)
		kept = append(kept, failure)
	}

	if c.RetryFailed {
		state.Retry = kept
		return
	}
	state.Failures = kept
}

func successes(results []workitem.Result) []workitem.Result {
	out := make([]workitem.Result, 0, len(results))
	for _, result := range results {
		if result.OK() {
			out = append(out, result)
		}
	}
	return out
}
