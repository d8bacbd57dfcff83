package pipeline

import (
	"cmp"
	"slices"

	"groundset/internal/workitem"
)

// accumulator holds the outcome of every item seen so far, keyed by item
// key. Only the coordinator touches it.
type accumulator struct {
	recordFailures bool
	succeeded      map[string]workitem.Result
	failed         map[string]workitem.Result
	dropped        int
}

func newAccumulator(recordFailures bool, results, failures []workitem.Result) *accumulator {
	acc := &accumulator{
		recordFailures: recordFailures,
		succeeded:      make(map[string]workitem.Result, len(results)),
		failed:         make(map[string]workitem.Result, len(failures)),
	}
	for _, result := range results {
		acc.succeeded[result.Key] = result
	}
	for _, failure := range failures {
		acc.failed[failure.Key] = failure
	}
	return acc
}

// add folds one result. A success clears an earlier failure of the same key.
func (a *accumulator) add(result workitem.Result) {
	if result.OK() {
		delete(a.failed, result.Key)
		a.succeeded[result.Key] = result
		return
	}
	if !a.recordFailures {
		a.dropped++
		return
	}
	a.failed[result.Key] = result
}

func (a *accumulator) successes() []workitem.Result {
	return sortedResults(a.succeeded)
}

func (a *accumulator) failures() []workitem.Result {
	return sortedResults(a.failed)
}

func (a *accumulator) failedCount() int {
	return len(a.failed) + a.dropped
}

func sortedResults(m map[string]workitem.Result) []workitem.Result {
	out := make([]workitem.Result, 0, len(m))
	for _, result := range m {
		out = append(out, result)
	}
	slices.SortFunc(out, func(a, b workitem.Result) int {
		if c := cmp.Compare(a.Index, b.Index); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}
