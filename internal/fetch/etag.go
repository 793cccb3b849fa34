package fetch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/logger"
)

// ETagEntry holds the cache validators returned by a source.
type ETagEntry struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// ETagCache maps source URL to its last known validators, persisted as a JSON
// file so conditional requests survive process restarts.
type ETagCache struct {
	path    string
	mu      sync.RWMutex
	entries map[string]ETagEntry
}

// NewETagCache loads the cache from path; a missing or unreadable file starts
// an empty cache.
func NewETagCache(path string) *ETagCache {
	c := &ETagCache{
		path:    path,
		entries: make(map[string]ETagEntry),
	}
	l := logger.WithComponent("Fetch/ETagCache")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.Warn().Err(err).Str("path", path).Msg("Failed to read ETag cache, starting empty.")
		}
		return c
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		l.Warn().Err(err).Str("path", path).Msg("Corrupt ETag cache, starting empty.")
		c.entries = make(map[string]ETagEntry)
	}
	return c
}

// Get returns the stored validators for url.
func (c *ETagCache) Get(url string) (ETagEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[url]
	return e, ok
}

// Set stores validators for url. Entries with no validators are dropped.
func (c *ETagCache) Set(url, etag, lastModified string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if etag == "" && lastModified == "" {
		delete(c.entries, url)
		return
	}
	c.entries[url] = ETagEntry{ETag: etag, LastModified: lastModified}
}

// Save persists the cache atomically (write to temp, then rename).
func (c *ETagCache) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(c.entries, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
