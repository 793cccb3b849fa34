// Package testcache persists prior connectivity-test outcomes keyed by a
// stable hash of the raw config line, so unchanged proxies can skip a live
// probe inside the TTL window.
package testcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/model"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/logger"
)

// Entry is one persisted test outcome. Counters accumulate across runs:
// Set updates the entry, it never replaces the history.
type Entry struct {
	IsWorking    bool     `json:"is_working"`
	LatencyMs    *float64 `json:"latency_ms,omitempty"`
	Country      string   `json:"country,omitempty"`
	CountryCode  string   `json:"country_code,omitempty"`
	City         string   `json:"city,omitempty"`
	ASN          string   `json:"asn,omitempty"`
	LastTested   int64    `json:"last_tested"`
	TestCount    int      `json:"test_count"`
	SuccessCount int      `json:"success_count"`
}

// Stats summarizes cache contents.
type Stats struct {
	TotalEntries       int     `json:"total_entries"`
	ValidEntries       int     `json:"valid_entries"`
	ExpiredEntries     int     `json:"expired_entries"`
	AverageHealthScore float64 `json:"average_health_score"`
}

// Cache is a TTL-bound store of test outcomes. Expiry is evaluated lazily at
// read time; expired entries linger until CleanupExpired reclaims them.
type Cache struct {
	path string
	ttl  time.Duration

	mu      sync.RWMutex
	entries map[string]*Entry

	now func() time.Time
}

// New loads (or initializes) a cache at path with the given TTL.
func New(path string, ttl time.Duration) *Cache {
	c := &Cache{
		path:    path,
		ttl:     ttl,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	l := logger.WithComponent("TestCache")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.Warn().Err(err).Str("path", path).Msg("Failed to read test cache, starting empty.")
		}
		return c
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		l.Warn().Err(err).Str("path", path).Msg("Corrupt test cache, starting empty.")
		c.entries = make(map[string]*Entry)
	}
	return c
}

// ConfigHash returns the stable cache key for a raw config line.
func ConfigHash(config string) string {
	sum := sha256.Sum256([]byte(config))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) expired(e *Entry) bool {
	return c.now().Sub(time.Unix(e.LastTested, 0)) > c.ttl
}

// Get returns a copy of p enriched with the cached outcome if an unexpired
// entry exists for its exact config, or nil on miss/expiry.
func (c *Cache) Get(p *model.Proxy) *model.Proxy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[ConfigHash(p.Config)]
	if !ok || c.expired(e) {
		return nil
	}

	out := p.Clone()
	out.IsWorking = e.IsWorking
	out.LatencyMs = e.LatencyMs
	out.Country = e.Country
	out.CountryCode = e.CountryCode
	out.City = e.City
	out.ASN = e.ASN
	last := time.Unix(e.LastTested, 0).UTC()
	out.TestedAt = last.Format(time.RFC3339)
	out.AgeSeconds = c.now().Sub(last).Seconds()
	return out
}

// Set upserts p's outcome, incrementing the cumulative counters.
func (c *Cache) Set(p *model.Proxy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := ConfigHash(p.Config)
	e, ok := c.entries[key]
	if !ok {
		e = &Entry{}
		c.entries[key] = e
	}
	e.IsWorking = p.IsWorking
	e.LatencyMs = p.LatencyMs
	e.Country = p.Country
	e.CountryCode = p.CountryCode
	e.City = p.City
	e.ASN = p.ASN
	e.LastTested = c.now().Unix()
	e.TestCount++
	if p.IsWorking {
		e.SuccessCount++
	}
}

// HealthScore returns success_count/test_count for p's config, or a neutral
// 0.5 if it has never been tested.
func (c *Cache) HealthScore(p *model.Proxy) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[ConfigHash(p.Config)]
	if !ok || e.TestCount == 0 {
		return 0.5
	}
	return float64(e.SuccessCount) / float64(e.TestCount)
}

// CleanupExpired removes expired entries and reports how many were removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// GetStats summarizes the cache.
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{TotalEntries: len(c.entries)}
	var scoreSum float64
	for _, e := range c.entries {
		if c.expired(e) {
			s.ExpiredEntries++
		} else {
			s.ValidEntries++
		}
		if e.TestCount > 0 {
			scoreSum += float64(e.SuccessCount) / float64(e.TestCount)
		} else {
			scoreSum += 0.5
		}
	}
	if len(c.entries) > 0 {
		s.AverageHealthScore = scoreSum / float64(len(c.entries))
	}
	return s
}

// Save persists the cache atomically.
func (c *Cache) Save() error {
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
