// Package batch partitions ordered work into fixed-size, order-preserving
// chunks.
package batch

import (
	"errors"
	"fmt"
	"iter"
)

// ErrInvalidBatchSize reports a batch size below one.
var ErrInvalidBatchSize = errors.New("batch size must be at least 1")

// Batch is one contiguous slice of the input starting at Offset.
type Batch[T any] struct {
	Offset int
	Items  []T
}

// End returns the input offset one past the last item.
func (b Batch[T]) End() int {
	return b.Offset + len(b.Items)
}

// Validate checks a batch size.
func Validate(size int) error {
	if size < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidBatchSize, size)
	}
	return nil
}

// Count returns the number of batches n items split into.
func Count(n, size int) int {
	if n <= 0 || size < 1 {
		return 0
	}
	return (n + size - 1) / size
}

// Split lazily yields ceil(len(items)/size) batches covering items in order.
// A size below one yields nothing; call Validate first.
func Split[T any](items []T, size int) iter.Seq[Batch[T]] {
	return From(items, size, 0)
}

// From yields batches beginning at input offset start. Batch boundaries stay
// aligned to start, so resuming at offset+size reproduces the original
// partitioning of the remaining items.
func From[T any](items []T, size, start int) iter.Seq[Batch[T]] {
	return func(yield func(Batch[T]) bool) {
		if size < 1 {
			return
		}
		if start < 0 {
			start = 0
		}
		for offset := start; offset < len(items); offset += size {
			end := min(offset+size, len(items))
			if !yield(Batch[T]{Offset: offset, Items: items[offset:end:end]}) {
				return
			}
		}
	}
}
