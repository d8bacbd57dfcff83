package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"groundset/internal/fileutil"
	"groundset/internal/logging"
	"groundset/internal/workitem"
)

// ErrOffsetRegression reports a partial checkpoint older than one already written.
var ErrOffsetRegression = errors.New("checkpoint offset regressed")

// CommitHook runs after a checkpoint has been durably written.
type CommitHook func(offset int, keys []string)

// Writer writes checkpoints and the failure log for one output name.
type Writer struct {
	Dir  string
	Name string
	// Keep bounds how many partial checkpoints survive a write. Zero keeps all.
	Keep int

	logger *slog.Logger

	mu         sync.Mutex
	hooks      []CommitHook
	lastOffset int
	wrote      bool
}

// NewWriter constructs a Writer.
func NewWriter(dir, name string, keep int, logger *slog.Logger) *Writer {
	return &Writer{
		Dir:    dir,
		Name:   name,
		Keep:   keep,
		logger: logging.NewComponentLogger(logger, "checkpoint"),
	}
}

// OnCommit registers a hook run after every successful Write.
func (w *Writer) OnCommit(hook CommitHook) {
	if hook == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks = append(w.hooks, hook)
}

// Write persists the full accumulated result set and returns the file path.
// Partial offsets never decrease across calls on one Writer.
func (w *Writer) Write(cp Checkpoint) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !cp.Final && w.wrote && cp.Offset < w.lastOffset {
		return "", fmt.Errorf("%w: %d after %d", ErrOffsetRegression, cp.Offset, w.lastOffset)
	}

	fileName := PartialName(w.Name, cp.Offset)
	if cp.Final {
		fileName = FullName(w.Name)
	}
	path := filepath.Join(w.Dir, fileName)
	var meta *coverage
	if cp.Covered > 0 {
		meta = &coverage{Offset: cp.Offset, Covered: cp.Covered, Final: cp.Final}
	}
	if err := fileutil.WriteAtomicFunc(path, func(out io.Writer) error {
		return writeResults(out, meta, cp.Results)
	}); err != nil {
		return "", fmt.Errorf("write checkpoint %s: %w", fileName, err)
	}
	if !cp.Final {
		w.lastOffset = cp.Offset
		w.wrote = true
	}

	w.logger.Debug("checkpoint written",
		logging.String(logging.FieldEventType, "checkpoint_written"),
		logging.String("path", path),
		logging.Int("offset", cp.Offset),
		logging.Int("covered", cp.Covered),
		logging.Bool("final", cp.Final),
		logging.Int("results", len(cp.Results)),
	)

	w.prune()
	for _, hook := range w.hooks {
		hook(cp.Offset, cp.BatchKeys)
	}
	return path, nil
}

// WriteFailures atomically rewrites the failure log with results.
func (w *Writer) WriteFailures(results []workitem.Result) (string, error) {
	path := w.FailuresPath()
	if err := fileutil.WriteAtomicFunc(path, func(out io.Writer) error {
		return writeResults(out, nil, results)
	}); err != nil {
		return "", fmt.Errorf("write failure log: %w", err)
	}
	return path, nil
}

// ExportOutputs writes the plain output record of every successful result,
// one per line, to <name>.jsonl.
func (w *Writer) ExportOutputs(results []workitem.Result) (string, error) {
	path := filepath.Join(w.Dir, OutputName(w.Name))
	err := fileutil.WriteAtomicFunc(path, func(out io.Writer) error {
		for _, result := range results {
			if !result.OK() {
				continue
			}
			if !json.Valid(result.Output) {
				return fmt.Errorf("result %q: invalid output record", result.Key)
			}
			if _, err := out.Write(append(compactLine(result.Output), '\n')); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("export outputs: %w", err)
	}
	return path, nil
}

// FailuresPath returns the failure log location.
func (w *Writer) FailuresPath() string {
	return filepath.Join(w.Dir, FailuresName(w.Name))
}

func (w *Writer) prune() {
	if w.Keep <= 0 {
		return
	}
	entries, err := Scan(w.Dir, w.Name)
	if err != nil {
		logging.WarnWithContext(w.logger, "checkpoint prune scan failed", "checkpoint_prune",
			logging.Error(err),
			logging.String(logging.FieldImpact, "older partial checkpoints remain on disk"),
		)
		return
	}
	var partials []Entry
	for _, entry := range entries {
		if !entry.Final {
			partials = append(partials, entry)
		}
	}
	if len(partials) <= w.Keep {
		return
	}
	for _, entry := range partials[:len(partials)-w.Keep] {
		if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
			logging.WarnWithContext(w.logger, "checkpoint prune failed", "checkpoint_prune",
				logging.String("path", entry.Path),
				logging.Error(err),
				logging.String(logging.FieldImpact, "older partial checkpoint remains on disk"),
			)
		}
	}
}

func compactLine(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append([]byte(nil), raw...)
	}
	return buf.Bytes()
}
