package workitem

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Load reads items from a JSONL file or a file holding one JSON array. The
// format is detected from the first non-space byte.
func Load(path, idField string) ([]Item, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer file.Close()

	items, err := Decode(file, idField)
	if err != nil {
		return nil, fmt.Errorf("read input %s: %w", path, err)
	}
	return items, nil
}

// Decode reads items from r. See Load.
func Decode(r io.Reader, idField string) ([]Item, error) {
	reader := bufio.NewReader(r)
	first, err := peekNonSpace(reader)
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyInput
	}
	if err != nil {
		return nil, err
	}

	var records []json.RawMessage
	if first == '[' {
		if err := json.NewDecoder(reader).Decode(&records); err != nil {
			return nil, fmt.Errorf("decode json array: %w", err)
		}
	} else {
		records, err = decodeStream(reader)
		if err != nil {
			return nil, err
		}
	}
	if len(records) == 0 {
		return nil, ErrEmptyInput
	}
	return buildItems(records, idField)
}

func decodeStream(r io.Reader) ([]json.RawMessage, error) {
	dec := json.NewDecoder(r)
	var records []json.RawMessage
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode record %d (byte offset %d): %w", len(records)+1, dec.InputOffset(), err)
		}
		records = append(records, raw)
	}
}

func buildItems(records []json.RawMessage, idField string) ([]Item, error) {
	items := make([]Item, 0, len(records))
	seen := make(map[string]int, len(records))
	for i, raw := range records {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			return nil, fmt.Errorf("record %d: empty record", i+1)
		}
		key := ResolveKey(trimmed, idField)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("%w %q at records %d and %d", ErrDuplicateKey, key, prev+1, i+1)
		}
		seen[key] = i
		items = append(items, Item{Index: i, Key: key, Record: append(json.RawMessage(nil), trimmed...)})
	}
	return items, nil
}

func peekNonSpace(r *bufio.Reader) (byte, error) {
	for {
		next, err := r.Peek(1)
		if err != nil {
			return 0, err
		}
		b := next[0]
		switch b {
		case ' ', '\t', '\r', '\n':
			_, _ = r.Discard(1)
			continue
		case 0xEF:
			// UTF-8 byte order mark
			if bom, err := r.Peek(3); err == nil && bom[1] == 0xBB && bom[2] == 0xBF {
				_, _ = r.Discard(3)
				continue
			}
		}
		return b, nil
	}
}
