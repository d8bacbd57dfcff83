package checkpoint

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	extension     = ".jsonl"
	partialMarker = "_partial_"
	fullSuffix    = "_full" + extension
	failureSuffix = "_failures" + extension
)

// PartialName returns the file name of the partial checkpoint at offset.
func PartialName(name string, offset int) string {
	return name + partialMarker + strconv.Itoa(offset) + extension
}

// FullName returns the file name of the final checkpoint.
func FullName(name string) string {
	return name + fullSuffix
}

// FailuresName returns the file name of the failure log.
func FailuresName(name string) string {
	return name + failureSuffix
}

// OutputName returns the file name of the exported output records.
func OutputName(name string) string {
	return name + extension
}

// ParseOffset extracts the offset from a partial checkpoint file name that
// belongs to name. Anything else, including signed or non-decimal offsets,
// reports false.
func ParseOffset(name, file string) (int, bool) {
	file = filepath.Base(file)
	prefix := name + partialMarker
	if !strings.HasPrefix(file, prefix) || !strings.HasSuffix(file, extension) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(file, prefix), extension)
	if digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	offset, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return offset, true
}

// Entry describes one checkpoint file found on disk.
type Entry struct {
	Path    string
	Offset  int
	Final   bool
	Size    int64
	ModTime time.Time
}

// Scan lists the checkpoints for name in dir: partials ordered by offset,
// followed by the final checkpoint when present. A missing directory yields
// no entries.
func Scan(dir, name string) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var partials []Entry
	var final *Entry
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		fileName := de.Name()
		isFull := fileName == FullName(name)
		offset, isPartial := ParseOffset(name, fileName)
		if !isFull && !isPartial {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entry := Entry{
			Path:    filepath.Join(dir, fileName),
			Offset:  offset,
			Final:   isFull,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if isFull {
			final = &entry
			continue
		}
		partials = append(partials, entry)
	}

	slices.SortFunc(partials, func(a, b Entry) int { return a.Offset - b.Offset })
	if final != nil {
		partials = append(partials, *final)
	}
	return partials, nil
}

// FinalEntry returns the final checkpoint if present.
func FinalEntry(entries []Entry) (Entry, bool) {
	for _, entry := range entries {
		if entry.Final {
			return entry, true
		}
	}
	return Entry{}, false
}
