package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"groundset/internal/workitem"
)

// Checkpoint is a snapshot of every successful result accumulated up to a
// batch boundary.
type Checkpoint struct {
	// Offset is the start of the batch that completed this snapshot.
	Offset int
	// Covered is the input position every item before which has been
	// attempted, whatever the batch size. Zero when unknown.
	Covered int
	Final   bool
	Results []workitem.Result
	// BatchKeys lists the items of the batch that just finished. It is passed
	// to commit hooks and not persisted.
	BatchKeys []string
}

// header is the optional first line of a checkpoint file.
type header struct {
	Checkpoint *coverage `json:"checkpoint"`
}

type coverage struct {
	Offset  int  `json:"offset"`
	Covered int  `json:"covered"`
	Final   bool `json:"final,omitempty"`
}

// Load reads a checkpoint file. Offset and Final are derived from the file
// name; a final checkpoint reports offset 0. Covered comes from the header
// line and is zero for files written without one.
func Load(path string) (Checkpoint, error) {
	meta, results, err := readFile(path)
	if err != nil {
		return Checkpoint{}, err
	}
	cp := Checkpoint{Results: results}
	if meta != nil {
		cp.Covered = meta.Covered
	}
	base := filepath.Base(path)
	if strings.HasSuffix(base, fullSuffix) {
		cp.Final = true
		return cp, nil
	}
	name := baseName(base)
	if offset, ok := ParseOffset(name, base); ok {
		cp.Offset = offset
	}
	return cp, nil
}

// LoadFailures reads a failure log. A missing log yields no results.
func LoadFailures(path string) ([]workitem.Result, error) {
	_, results, err := readFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return results, err
}

func readFile(path string) (*coverage, []workitem.Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	var (
		meta    *coverage
		results []workitem.Result
	)
	for line := 1; ; line++ {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return meta, results, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("decode %s line %d: %w", filepath.Base(path), line, err)
		}
		if line == 1 {
			var h header
			if json.Unmarshal(raw, &h) == nil && h.Checkpoint != nil {
				meta = h.Checkpoint
				continue
			}
		}
		var result workitem.Result
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, nil, fmt.Errorf("decode %s line %d: %w", filepath.Base(path), line, err)
		}
		if err := result.Validate(); err != nil {
			return nil, nil, fmt.Errorf("decode %s line %d: %w", filepath.Base(path), line, err)
		}
		results = append(results, result)
	}
}

// writeResults writes one result per line, preceded by a header line when
// meta is set.
func writeResults(w io.Writer, meta *coverage, results []workitem.Result) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if meta != nil {
		if err := enc.Encode(header{Checkpoint: meta}); err != nil {
			return fmt.Errorf("encode checkpoint header: %w", err)
		}
	}
	for _, result := range results {
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("encode result %q: %w", result.Key, err)
		}
	}
	return nil
}

// baseName strips the partial suffix from a checkpoint file name.
func baseName(file string) string {
	if i := strings.LastIndex(file, partialMarker); i >= 0 {
		return file[:i]
	}
	return file
}
