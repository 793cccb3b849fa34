package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/semaphore"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/logger"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/types"
)

const (
	maxBackoff    = 60 * time.Second
	maxJitter     = 0.5 // seconds
	dnsPrewarmTop = 10

	// ErrNotModified marks a 304 response: the fetch succeeded but the
	// source is unchanged, so the orchestrator skips reprocessing it.
	ErrNotModified = "not modified"

	errCircuitOpen = "circuit breaker open"
)

// FetchResult records one source fetch attempt. It is immutable once built.
type FetchResult struct {
	URL          string   `json:"url"`
	Configs      []string `json:"configs,omitempty"`
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
	ResponseTime float64  `json:"response_time"`
	StatusCode   int      `json:"status_code,omitempty"`
}

// Fetcher orchestrates retries, backoff, ETag validation, rate limiting,
// circuit breaking and hedging around a single HTTP GET per source.
type Fetcher struct {
	cfg      types.FetchConf
	client   *http.Client
	limiter  *RateLimiter
	breakers *CircuitBreakerManager
	aimd     *AIMDController
	etags    *ETagCache
	metrics  *MetricsSink
	global   *semaphore.Weighted
	schemes  []string

	// lookupHost is swappable in tests.
	lookupHost func(ctx context.Context, host string) ([]string, error)
}

// NewFetcher wires the adaptive fetch stack together. schemes lists the
// recognized config URI prefixes (without "://").
func NewFetcher(cfg types.FetchConf, schemes []string) *Fetcher {
	aimd := NewAIMDController(DefaultAIMDConfig(), NewMetricsSink(cfg.MetricsPath))
	f := &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		limiter:  NewRateLimiter(cfg.RequestsPerSecond),
		breakers: NewCircuitBreakerManager(cfg.FailureThreshold, time.Duration(cfg.RecoverySeconds)*time.Second),
		aimd:     aimd,
		etags:    NewETagCache(cfg.ETagCachePath),
		metrics:  aimd.metrics,
		global:   semaphore.NewWeighted(int64(max(cfg.GlobalConcurrency, 1))),
		schemes:  schemes,
		lookupHost: func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		},
	}
	return f
}

// AIMD exposes the controller so the composition root can manage its tuner
// lifecycle.
func (f *Fetcher) AIMD() *AIMDController { return f.aimd }

func failure(sourceURL, msg string, status int, elapsed float64) FetchResult {
	return FetchResult{URL: sourceURL, Success: false, Error: msg, StatusCode: status, ResponseTime: elapsed}
}

// FetchSource fetches one source URL and extracts config lines from its body.
// All expected failure modes are encoded in the result, never raised.
func (f *Fetcher) FetchSource(ctx context.Context, sourceURL string) FetchResult {
	l := logger.WithComponent("Fetch/Fetcher")

	u, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return failure(sourceURL, "invalid URL", 0, 0)
	}
	host := u.Hostname()

	breaker := f.breakers.Get(host)
	if breaker.IsOpen() {
		l.Debug().Str("host", host).Msg("Circuit breaker open, skipping source.")
		return failure(sourceURL, errCircuitOpen, 0, 0)
	}

	// Throttle before taking any concurrency permits.
	for !f.limiter.IsAllowed(host) {
		wait := f.limiter.GetWaitTime(host)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return failure(sourceURL, ctx.Err().Error(), 0, 0)
		}
	}

	if err := f.global.Acquire(ctx, 1); err != nil {
		return failure(sourceURL, err.Error(), 0, 0)
	}
	defer f.global.Release(1)

	if err := f.aimd.Acquire(ctx, host); err != nil {
		return failure(sourceURL, err.Error(), 0, 0)
	}
	defer f.aimd.Release(host)

	headers := f.conditionalHeaders(sourceURL)

	var lastErr string
	var lastStatus int
	started := time.Now()
	for attempt := 0; attempt < max(f.cfg.MaxRetries, 1); attempt++ {
		attemptStart := time.Now()
		resp, err := HedgedGet(ctx, f.client, sourceURL,
			time.Duration(f.cfg.TimeoutSeconds)*time.Second,
			time.Duration(f.cfg.HedgeAfterMs)*time.Millisecond,
			headers)
		elapsed := time.Since(attemptStart).Seconds()

		if err != nil {
			f.aimd.Record(host, elapsed, false)
			breaker.RecordFailure()
			lastErr = err.Error()
			if ctx.Err() != nil {
				break
			}
			f.sleepBackoff(ctx, attempt)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotModified:
			resp.Body.Close()
			f.aimd.Record(host, elapsed, true)
			breaker.RecordSuccess()
			return FetchResult{
				URL:          sourceURL,
				Success:      true,
				Error:        ErrNotModified,
				StatusCode:   resp.StatusCode,
				ResponseTime: time.Since(started).Seconds(),
			}

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			f.aimd.Record(host, elapsed, false)
			breaker.RecordFailure()
			lastErr = "rate limited (429)"
			lastStatus = resp.StatusCode
			if retryAfter != nil {
				f.sleepFor(ctx, time.Duration(*retryAfter*float64(time.Second)))
			} else {
				f.sleepBackoff(ctx, attempt)
			}
			continue

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
			contentType := resp.Header.Get("Content-Type")
			etag := resp.Header.Get("ETag")
			lastModified := resp.Header.Get("Last-Modified")
			resp.Body.Close()
			if readErr != nil {
				f.aimd.Record(host, elapsed, false)
				breaker.RecordFailure()
				lastErr = readErr.Error()
				lastStatus = resp.StatusCode
				f.sleepBackoff(ctx, attempt)
				continue
			}
			f.aimd.Record(host, elapsed, true)
			breaker.RecordSuccess()
			f.etags.Set(sourceURL, etag, lastModified)
			configs := f.extractConfigs(string(body), contentType)
			return FetchResult{
				URL:          sourceURL,
				Configs:      configs,
				Success:      true,
				StatusCode:   resp.StatusCode,
				ResponseTime: time.Since(started).Seconds(),
			}

		default:
			// 4xx/5xx other than 429 and 304: record and retry.
			resp.Body.Close()
			f.aimd.Record(host, elapsed, false)
			breaker.RecordFailure()
			lastErr = fmt.Sprintf("HTTP %d", resp.StatusCode)
			lastStatus = resp.StatusCode
			f.sleepBackoff(ctx, attempt)
		}
	}

	return failure(sourceURL, lastErr, lastStatus, time.Since(started).Seconds())
}

// FetchMultiple fans out over all sources with per-source failure isolation:
// one source panicking or erroring never disturbs its siblings' result slots.
// DNS for the busiest hosts is pre-warmed first; the ETag cache and AIMD
// metrics are persisted after all fetches complete.
func (f *Fetcher) FetchMultiple(ctx context.Context, sources []string) []FetchResult {
	l := logger.WithComponent("Fetch/Fetcher")
	f.prewarmDNS(ctx, sources)

	results := make([]FetchResult, len(sources))
	done := make(chan int, len(sources))
	for i, src := range sources {
		go func(idx int, sourceURL string) {
			defer func() {
				if r := recover(); r != nil {
					results[idx] = failure(sourceURL, fmt.Sprintf("panic: %v", r), 0, 0)
				}
				done <- idx
			}()
			results[idx] = f.FetchSource(ctx, sourceURL)
		}(i, src)
	}
	for range sources {
		<-done
	}

	if err := f.etags.Save(); err != nil {
		l.Warn().Err(err).Msg("Failed to persist ETag cache.")
	}
	if err := f.metrics.Flush(); err != nil {
		l.Warn().Err(err).Msg("Failed to flush fetch metrics.")
	}
	return results
}

// prewarmDNS resolves the most-requested hostnames before the fan-out starts.
// Resolution failures are ignored: the fetch itself will surface them.
func (f *Fetcher) prewarmDNS(ctx context.Context, sources []string) {
	counts := make(map[string]int)
	for _, src := range sources {
		if u, err := url.Parse(strings.TrimSpace(src)); err == nil && u.Hostname() != "" {
			counts[u.Hostname()]++
		}
	}
	hosts := make([]string, 0, len(counts))
	for h := range counts {
		hosts = append(hosts, h)
	}
	sort.Slice(hosts, func(i, j int) bool { return counts[hosts[i]] > counts[hosts[j]] })
	if len(hosts) > dnsPrewarmTop {
		hosts = hosts[:dnsPrewarmTop]
	}
	for _, h := range hosts {
		_, _ = f.lookupHost(ctx, h)
	}
}

func (f *Fetcher) conditionalHeaders(sourceURL string) http.Header {
	headers := make(http.Header)
	headers.Set("User-Agent", "ConfigStream/1.0")
	if entry, ok := f.etags.Get(sourceURL); ok {
		if entry.ETag != "" {
			headers.Set("If-None-Match", entry.ETag)
		}
		if entry.LastModified != "" {
			headers.Set("If-Modified-Since", entry.LastModified)
		}
	}
	return headers
}

// extractConfigs splits a response body into candidate config lines, keeping
// only non-empty, non-comment lines that start with a known scheme prefix.
// HTML bodies are reduced to their text content first.
func (f *Fetcher) extractConfigs(body, contentType string) []string {
	if strings.Contains(contentType, "text/html") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(body)); err == nil {
			body = doc.Text()
		}
	}

	var configs []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, scheme := range f.schemes {
			if strings.HasPrefix(line, scheme+"://") {
				configs = append(configs, line)
				break
			}
		}
	}
	return configs
}

func (f *Fetcher) sleepBackoff(ctx context.Context, attempt int) {
	delay := f.cfg.RetryDelaySeconds * math.Pow(2, float64(attempt))
	if delay > maxBackoff.Seconds() {
		delay = maxBackoff.Seconds()
	}
	delay += rand.Float64() * maxJitter
	f.sleepFor(ctx, time.Duration(delay*float64(time.Second)))
}

func (f *Fetcher) sleepFor(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// ParseRetryAfter parses a Retry-After header value: either integer seconds
// or an HTTP-date, converted to a non-negative delta from now. Invalid values
// yield nil.
func ParseRetryAfter(value string) *float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return nil
		}
		out := float64(secs)
		return &out
	}
	if t, err := http.ParseTime(value); err == nil {
		delta := time.Until(t).Seconds()
		if delta < 0 {
			delta = 0
		}
		return &delta
	}
	return nil
}
