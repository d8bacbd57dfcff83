package workitem

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// PathFields lists record fields that carry a referenced file, in lookup order.
var PathFields = []string{"path", "image", "image_path"}

// ResolveKey derives the stable identity of a record.
func ResolveKey(record json.RawMessage, idField string) string {
	trimmed := bytes.TrimSpace(record)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil && strings.TrimSpace(s) != "" {
			return NormalizeKey(s)
		}
	}

	fields := make([]string, 0, len(PathFields)+1)
	if idField = strings.TrimSpace(idField); idField != "" {
		fields = append(fields, idField)
	}
	fields = append(fields, PathFields...)
	if key, ok := scalarField(trimmed, fields...); ok {
		return NormalizeKey(key)
	}
	return contentHash(trimmed)
}

// NormalizeKey trims and NFC-normalizes a key so equivalent Unicode spellings
// map to one identity.
func NormalizeKey(key string) string {
	return norm.NFC.String(strings.TrimSpace(key))
}

// StringField returns the first non-empty string value among names.
func StringField(record json.RawMessage, names ...string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(record, &obj); err != nil {
		return "", false
	}
	for _, name := range names {
		raw, ok := obj[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), true
		}
	}
	return "", false
}

func scalarField(record []byte, names ...string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(record, &obj); err != nil {
		return "", false
	}
	for _, name := range names {
		raw, ok := obj[name]
		if !ok {
			continue
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		switch raw[0] {
		case '"':
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
				return s, true
			}
		case '{', '[':
			continue
		default:
			// numbers and booleans keep their literal text
			return string(raw), true
		}
	}
	return "", false
}

func contentHash(record []byte) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, record); err != nil {
		compact.Reset()
		compact.Write(record)
	}
	sum := sha256.Sum256(compact.Bytes())
	return "sha256:" + hex.EncodeToString(sum[:])
}
