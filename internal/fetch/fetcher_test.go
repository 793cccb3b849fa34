package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/types"
)

func testFetchConf(t *testing.T) types.FetchConf {
	dir := t.TempDir()
	return types.FetchConf{
		TimeoutSeconds:    5,
		MaxRetries:        2,
		RetryDelaySeconds: 0.01,
		RequestsPerSecond: 1000,
		GlobalConcurrency: 10,
		HedgeAfterMs:      2000,
		FailureThreshold:  50,
		RecoverySeconds:   60,
		ETagCachePath:     filepath.Join(dir, "etags.json"),
		MetricsPath:       filepath.Join(dir, "metrics.ndjson"),
	}
}

var testSchemes = []string{"vmess", "vless", "ss", "trojan"}

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter("120"); got == nil || *got != 120.0 {
		t.Fatalf("integer seconds: got %v, want 120", got)
	}

	future := time.Now().Add(60 * time.Second).UTC().Format(http.TimeFormat)
	got := ParseRetryAfter(future)
	if got == nil {
		t.Fatal("HTTP-date should parse")
	}
	if *got <= 59 || *got > 60 {
		t.Fatalf("HTTP-date 60s out should parse into (59, 60], got %f", *got)
	}

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(past); got == nil || *got != 0 {
		t.Fatalf("past HTTP-date should clamp to 0, got %v", got)
	}

	for _, invalid := range []string{"", "soon", "-5", "12.5.3"} {
		if got := ParseRetryAfter(invalid); got != nil {
			t.Fatalf("invalid value %q should parse to nil, got %v", invalid, got)
		}
	}
}

func TestFetchSource_ExtractsOnlyKnownSchemes(t *testing.T) {
	body := "# a comment\n\nvmess://abc\nftp://nope\nss://def\n  trojan://ghi  \nplain garbage\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	f := NewFetcher(testFetchConf(t), testSchemes)
	res := f.FetchSource(context.Background(), srv.URL)
	if !res.Success {
		t.Fatalf("fetch failed: %s", res.Error)
	}
	want := []string{"vmess://abc", "ss://def", "trojan://ghi"}
	if len(res.Configs) != len(want) {
		t.Fatalf("got %d configs %v, want %d", len(res.Configs), res.Configs, len(want))
	}
	for i, c := range want {
		if res.Configs[i] != c {
			t.Errorf("config[%d] = %q, want %q", i, res.Configs[i], c)
		}
	}
}

func TestFetchSource_InvalidURL(t *testing.T) {
	f := NewFetcher(testFetchConf(t), testSchemes)
	res := f.FetchSource(context.Background(), "not a url")
	if res.Success {
		t.Fatal("invalid URL must fail without a network call")
	}
	if res.Error != "invalid URL" {
		t.Fatalf("unexpected error %q", res.Error)
	}
}

func TestFetchSource_NotModified(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, "vmess://abc\n")
	}))
	defer srv.Close()

	f := NewFetcher(testFetchConf(t), testSchemes)
	first := f.FetchSource(context.Background(), srv.URL)
	if !first.Success || len(first.Configs) != 1 {
		t.Fatalf("first fetch should return one config: %+v", first)
	}

	second := f.FetchSource(context.Background(), srv.URL)
	if !second.Success {
		t.Fatal("304 must be treated as success")
	}
	if second.Error != ErrNotModified {
		t.Fatalf("304 should carry the not-modified marker, got %q", second.Error)
	}
	if len(second.Configs) != 0 {
		t.Fatal("304 should yield zero configs")
	}
}

func TestFetchSource_RetryAfterConsumesAttempts(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewFetcher(testFetchConf(t), testSchemes)
	res := f.FetchSource(context.Background(), srv.URL)
	if res.Success {
		t.Fatal("persistent 429 must fail")
	}
	if calls != 2 {
		t.Fatalf("429 retries should consume attempts: got %d calls, want 2", calls)
	}
}

func TestFetchSource_CircuitBreakerShortCircuits(t *testing.T) {
	cfg := testFetchConf(t)
	cfg.FailureThreshold = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(cfg, testSchemes)
	if res := f.FetchSource(context.Background(), srv.URL); res.Success {
		t.Fatal("5xx source should fail")
	}
	res := f.FetchSource(context.Background(), srv.URL)
	if res.Success || res.Error != errCircuitOpen {
		t.Fatalf("expected circuit-open short circuit, got %+v", res)
	}
}

func TestFetchMultiple_IsolatesFailures(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "vless://cfg1\n")
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	f := NewFetcher(testFetchConf(t), testSchemes)
	sources := []string{good.URL, "::::not-a-url", bad.URL}
	results := f.FetchMultiple(context.Background(), sources)

	if len(results) != 3 {
		t.Fatalf("every source needs a result slot, got %d", len(results))
	}
	if !results[0].Success || len(results[0].Configs) != 1 {
		t.Fatalf("healthy source should succeed despite failing siblings: %+v", results[0])
	}
	if results[1].Success || results[1].Error == "" {
		t.Fatalf("invalid source must fail with a message: %+v", results[1])
	}
	if results[2].Success {
		t.Fatal("5xx source must fail")
	}
	for i, res := range results {
		if res.URL != sources[i] {
			t.Errorf("result %d slot mismatch: %q", i, res.URL)
		}
	}
}

func TestHedgedGet_TimeoutReturnsFailureSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	client := &http.Client{}
	resp, err := HedgedGet(context.Background(), client, srv.URL, 100*time.Millisecond, 20*time.Millisecond, nil)
	if err == nil {
		resp.Body.Close()
		t.Fatal("overall timeout should surface as an error, not a hang")
	}
}

func TestHedgedGet_FirstCompletionWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resp, err := HedgedGet(context.Background(), &http.Client{}, srv.URL, 2*time.Second, time.Second, nil)
	if err != nil {
		t.Fatalf("fast server should win: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}
