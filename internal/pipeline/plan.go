package pipeline

import (
	"groundset/internal/batch"
	"groundset/internal/resume"
	"groundset/internal/workitem"
)

// plan lists the batches a run still has to process, in order: the unseen
// remainder of the input, then a tail of items that need another pass.
type plan struct {
	batches []plannedBatch
	skipped int
	gap     int
	retry   int
}

// plannedBatch is a batch of pending items plus the input position its
// checkpoint accounts for, counting items filtered out as already done.
type plannedBatch struct {
	batch.Batch[workitem.Item]
	covered int
}

// buildPlan filters already-done keys out of the remaining input. Tail
// batches take offsets past the end of the input so checkpoint offsets keep
// increasing and a resumed run recomputes the same tail.
func buildPlan(items []workitem.Item, state resume.State, size int, recordFailures bool) plan {
	done := state.Done()
	start := min(state.NextOffset, len(items))
	if state.Completed && state.NextOffset == 0 {
		// the final checkpoint does not record how much input it covered
		start = len(items)
	}

	var p plan
	for b := range batch.From(items, size, start) {
		pending := filterDone(b.Items, done)
		p.skipped += len(b.Items) - len(pending)
		if len(pending) == 0 {
			continue
		}
		p.batches = append(p.batches, plannedBatch{
			Batch:   batch.Batch[workitem.Item]{Offset: b.Offset, Items: pending},
			covered: b.End(),
		})
	}

	var tail []workitem.Item
	// Items before the resume point that no checkpoint or failure log
	// accounts for. Without a failure log a missing key may be a dropped
	// failure, so the gap is only trusted when failures are recorded.
	if recordFailures {
		for _, item := range items[:start] {
			if _, ok := done[item.Key]; !ok {
				tail = append(tail, item)
			}
		}
	}
	p.gap = len(tail)

	for _, failure := range state.Retry {
		tail = append(tail, failure.Original())
	}
	p.retry = len(state.Retry)
	p.skipped += max(0, start-p.gap-p.retry)

	tailStart := max(len(items), state.NextOffset)
	for b := range batch.Split(tail, size) {
		p.batches = append(p.batches, plannedBatch{
			Batch:   batch.Batch[workitem.Item]{Offset: tailStart + b.Offset, Items: b.Items},
			covered: tailStart + b.End(),
		})
	}
	return p
}

func filterDone(items []workitem.Item, done map[string]struct{}) []workitem.Item {
	if len(done) == 0 {
		return items
	}
	pending := make([]workitem.Item, 0, len(items))
	for _, item := range items {
		if _, ok := done[item.Key]; ok {
			continue
		}
		pending = append(pending, item)
	}
	return pending
}

func (p plan) itemCount() int {
	n := 0
	for _, b := range p.batches {
		n += len(b.Items)
	}
	return n
}
