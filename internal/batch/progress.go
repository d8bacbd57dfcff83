package batch

// Progress tracks how much of a run has been processed.
type Progress struct {
	TotalItems       int
	ProcessedItems   int
	TotalBatches     int
	CompletedBatches int
}

// NewProgress starts tracking n items split by size, with done items already
// accounted for (resume).
func NewProgress(n, size, done int) *Progress {
	done = max(0, min(done, n))
	return &Progress{
		TotalItems:       n,
		ProcessedItems:   done,
		TotalBatches:     Count(n, size),
		CompletedBatches: Count(done, size),
	}
}

// Advance records one completed batch of k items.
func (p *Progress) Advance(k int) {
	p.ProcessedItems = min(p.ProcessedItems+k, p.TotalItems)
	p.CompletedBatches++
}

// Percent returns completion in the range 0-100.
func (p *Progress) Percent() float64 {
	if p.TotalItems == 0 {
		return 100
	}
	return float64(p.ProcessedItems) * 100 / float64(p.TotalItems)
}
