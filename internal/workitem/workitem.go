package workitem

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the terminal outcome of one item in one run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var (
	// ErrEmptyInput reports an input file with no records.
	ErrEmptyInput = errors.New("input contains no records")
	// ErrDuplicateKey reports two input records resolving to the same key.
	ErrDuplicateKey = errors.New("duplicate item key")
)

// Item is one unit of pipeline input.
type Item struct {
	Index  int             `json:"index"`
	Key    string          `json:"key"`
	Record json.RawMessage `json:"record"`
}

// Result is the outcome of processing one Item. Successful results carry the
// worker output; failed results carry the original record and error text so
// the item can be reprocessed by hand.
type Result struct {
	Index    int             `json:"index"`
	Key      string          `json:"key"`
	Status   Status          `json:"status"`
	Item     json.RawMessage `json:"item,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Err      string          `json:"error,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
}

// Succeeded builds a successful Result for item.
func Succeeded(item Item, output json.RawMessage, attempts int) Result {
	return Result{
		Index:    item.Index,
		Key:      item.Key,
		Status:   StatusSucceeded,
		Output:   output,
		Attempts: attempts,
	}
}

// Failed builds a failed Result for item.
func Failed(item Item, err error, attempts int) Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Result{
		Index:    item.Index,
		Key:      item.Key,
		Status:   StatusFailed,
		Item:     item.Record,
		Err:      msg,
		Attempts: attempts,
	}
}

// OK reports whether the result succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSucceeded
}

// Original reconstructs the Item a failed result was produced from.
func (r Result) Original() Item {
	return Item{Index: r.Index, Key: r.Key, Record: r.Item}
}

// Validate checks the structural invariants of a decoded result.
func (r Result) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("result at index %d: missing key", r.Index)
	}
	if r.Index < 0 {
		return fmt.Errorf("result %q: negative index %d", r.Key, r.Index)
	}
	switch r.Status {
	case StatusSucceeded, StatusFailed:
		return nil
	default:
		return fmt.Errorf("result %q: unknown status %q", r.Key, r.Status)
	}
}

// Keys returns the keys of items in order.
func Keys(items []Item) []string {
	keys := make([]string, len(items))
	for i, item := range items {
		keys[i] = item.Key
	}
	return keys
}
