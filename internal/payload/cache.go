// Package payload caches encoded request payloads (image data URLs) for the
// items of the batch in flight.
package payload

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache maps item keys to encoded payloads. Workers read and fill it
// concurrently; the coordinator releases entries once their batch is
// checkpointed.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]string
	bytes   int64
	group   singleflight.Group
	read    func(string) ([]byte, error)
}

// NewCache constructs an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]string), read: os.ReadFile}
}

// Get returns the data URL for the file at path, encoding it once per key.
func (c *Cache) Get(key, path string) (string, error) {
	c.mu.RLock()
	encoded, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return encoded, nil
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		existing, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}
		data, err := c.read(path)
		if err != nil {
			return "", err
		}
		url := DataURL(path, data)
		c.mu.Lock()
		c.entries[key] = url
		c.bytes += int64(len(url))
		c.mu.Unlock()
		return url, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Release drops the entries for keys.
func (c *Cache) Release(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		if encoded, ok := c.entries[key]; ok {
			c.bytes -= int64(len(encoded))
			delete(c.entries, key)
		}
	}
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Bytes returns the total size of cached payloads.
func (c *Cache) Bytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytes
}

// DataURL encodes data as a base64 data URL. The media type comes from the
// file extension, falling back to content sniffing.
func DataURL(path string, data []byte) string {
	mediaType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	return fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(data))
}
