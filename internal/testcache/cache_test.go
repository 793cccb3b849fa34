package testcache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/model"
)

func testProxy() *model.Proxy {
	return &model.Proxy{
		Protocol: "vless",
		Address:  "host.example",
		Port:     443,
		Config:   "vless://uuid@host.example:443",
	}
}

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *time.Time) {
	t.Helper()
	now := time.Now()
	c := New(filepath.Join(t.TempDir(), "cache.json"), ttl)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_HitReturnsStoredValues(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)

	p := testProxy()
	p.IsWorking = true
	p.SetLatencyMs(50)
	p.Country = "Germany"
	p.CountryCode = "DE"
	c.Set(p)

	got := c.Get(testProxy())
	if got == nil {
		t.Fatal("expected a cache hit")
	}
	if !got.IsWorking || got.LatencyMs == nil || *got.LatencyMs != 50 {
		t.Fatalf("cached values corrupted: %+v", got)
	}
	if got.CountryCode != "DE" {
		t.Fatal("geo snippet should be cached")
	}
	if got.TestedAt == "" {
		t.Fatal("hit should carry the last-tested timestamp")
	}
}

func TestCache_TTLExpiryIsLazy(t *testing.T) {
	c, now := newTestCache(t, time.Hour)

	p := testProxy()
	p.IsWorking = true
	c.Set(p)

	*now = now.Add(59 * time.Minute)
	if c.Get(testProxy()) == nil {
		t.Fatal("entry inside TTL should hit")
	}

	*now = now.Add(2 * time.Minute)
	if c.Get(testProxy()) != nil {
		t.Fatal("expired entry must read as a miss")
	}

	// Lazy expiry: the entry still exists until explicitly reclaimed.
	stats := c.GetStats()
	if stats.TotalEntries != 1 || stats.ExpiredEntries != 1 || stats.ValidEntries != 0 {
		t.Fatalf("unexpected stats before cleanup: %+v", stats)
	}
	if removed := c.CleanupExpired(); removed != 1 {
		t.Fatalf("cleanup should reclaim 1 entry, got %d", removed)
	}
	if c.GetStats().TotalEntries != 0 {
		t.Fatal("cleanup should remove the entry")
	}
}

func TestCache_HealthScoreAccumulates(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)

	if got := c.HealthScore(testProxy()); got != 0.5 {
		t.Fatalf("never-tested config should score neutral 0.5, got %f", got)
	}

	// 3 successes then 2 failures on the same config.
	for i := 0; i < 3; i++ {
		p := testProxy()
		p.IsWorking = true
		c.Set(p)
	}
	for i := 0; i < 2; i++ {
		p := testProxy()
		p.IsWorking = false
		c.Set(p)
	}

	if got := c.HealthScore(testProxy()); got != 0.6 {
		t.Fatalf("health score should be 3/5 = 0.6, got %f", got)
	}
}

func TestCache_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := New(path, time.Hour)
	p := testProxy()
	p.IsWorking = true
	c.Set(p)
	if err := c.Save(); err != nil {
		t.Fatal(err)
	}

	reloaded := New(path, time.Hour)
	if reloaded.Get(testProxy()) == nil {
		t.Fatal("persisted entry should survive a reload")
	}
	if got := reloaded.HealthScore(testProxy()); got != 1.0 {
		t.Fatalf("counters should persist, got score %f", got)
	}
}

func TestCache_UpsertUpdatesNotReplaces(t *testing.T) {
	c, _ := newTestCache(t, time.Hour)
	p := testProxy()
	p.IsWorking = true
	c.Set(p)
	p2 := testProxy()
	p2.IsWorking = false
	c.Set(p2)

	got := c.Get(testProxy())
	if got == nil || got.IsWorking {
		t.Fatal("latest outcome should win")
	}
	if score := c.HealthScore(testProxy()); score != 0.5 {
		t.Fatalf("history should accumulate (1 of 2), got %f", score)
	}
}
