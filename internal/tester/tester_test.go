package tester

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/model"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/testcache"
)

type fakeInstance struct {
	url     string
	stopped bool
}

func (f *fakeInstance) HTTPProxyURL() string { return f.url }
func (f *fakeInstance) Stop() error          { f.stopped = true; return nil }

type fakeLauncher struct {
	inst *fakeInstance
	err  error
}

func (f *fakeLauncher) Launch(ctx context.Context, config string) (Instance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.inst, nil
}

func testProxy() *model.Proxy {
	return &model.Proxy{
		Protocol: "vless",
		Address:  "host.example",
		Port:     443,
		Config:   "vless://uuid@host.example:443",
	}
}

// proxyServer acts as a permissive HTTP forward proxy: any absolute-URI GET
// gets a 204.
func proxyServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestTest_WorkingProxyGetsLatency(t *testing.T) {
	srv := proxyServer(t)
	defer srv.Close()

	inst := &fakeInstance{url: srv.URL}
	tst := New(&fakeLauncher{inst: inst}, nil, 5*time.Second, false)

	got := tst.Test(context.Background(), testProxy())
	if !got.IsWorking {
		t.Fatalf("proxy should be working: %+v", got.SecurityIssues)
	}
	if got.LatencyMs == nil || *got.LatencyMs < 1 {
		t.Fatal("latency must be recorded with a positive floor")
	}
	if got.TestedAt == "" {
		t.Fatal("tested_at must be stamped")
	}
	if !inst.stopped {
		t.Fatal("instance must always be stopped")
	}
}

func TestTest_LaunchFailureIsEncoded(t *testing.T) {
	tst := New(&fakeLauncher{err: fmt.Errorf("bad config")}, nil, time.Second, false)
	got := tst.Test(context.Background(), testProxy())
	if got.IsWorking {
		t.Fatal("launch failure must mark not-working")
	}
	if len(got.SecurityIssues["connectivity"]) == 0 {
		t.Fatal("launch failure needs a descriptive issue")
	}
}

func TestTest_EmptyEndpointIsEncoded(t *testing.T) {
	inst := &fakeInstance{url: ""}
	tst := New(&fakeLauncher{inst: inst}, nil, time.Second, false)
	got := tst.Test(context.Background(), testProxy())
	if got.IsWorking {
		t.Fatal("empty local endpoint must mark not-working")
	}
}

func TestTest_AllProbesFailing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	inst := &fakeInstance{url: srv.URL}
	tst := New(&fakeLauncher{inst: inst}, nil, time.Second, false)
	got := tst.Test(context.Background(), testProxy())
	if got.IsWorking {
		t.Fatal("502 from every probe target must mark not-working")
	}
	found := false
	for _, issue := range got.SecurityIssues["connectivity"] {
		if issue == "all test URLs failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the all-URLs-failed issue, got %v", got.SecurityIssues)
	}
	if !inst.stopped {
		t.Fatal("cleanup must run on failure too")
	}
}

func TestTest_CacheShortCircuits(t *testing.T) {
	srv := proxyServer(t)
	defer srv.Close()

	cache := testcache.New(filepath.Join(t.TempDir(), "cache.json"), time.Hour)
	launcher := &fakeLauncher{inst: &fakeInstance{url: srv.URL}}
	tst := New(launcher, cache, 5*time.Second, false)

	first := tst.Test(context.Background(), testProxy())
	if !first.IsWorking {
		t.Fatal("first test should work")
	}
	if tst.CacheHits() != 0 {
		t.Fatal("first test cannot be a cache hit")
	}

	// Break the launcher: a hit must not probe at all.
	launcher.err = fmt.Errorf("launcher must not be called")
	second := tst.Test(context.Background(), testProxy())
	if !second.IsWorking {
		t.Fatal("cache hit should return the stored outcome")
	}
	if tst.CacheHits() != 1 {
		t.Fatalf("expected 1 cache hit, got %d", tst.CacheHits())
	}
}

func TestRedact_MasksCredentials(t *testing.T) {
	tst := New(&fakeLauncher{}, nil, time.Second, true)
	msg := tst.redact("dial vless://secret-uuid@host.example:443 refused")
	if msg == "dial vless://secret-uuid@host.example:443 refused" {
		t.Fatal("credential should be masked")
	}
}
