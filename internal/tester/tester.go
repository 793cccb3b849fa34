// Package tester drives an external proxy-launch-and-probe capability for a
// single proxy. Test never returns an error to the caller: every failure mode
// is encoded into the returned proxy record.
package tester

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/model"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/logger"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/testcache"
)

// Instance is a running local proxy endpoint for one config.
type Instance interface {
	// HTTPProxyURL is the local endpoint to probe through. Non-empty on a
	// successful launch.
	HTTPProxyURL() string
	Stop() error
}

// Launcher boots a local proxy process from a raw config line.
type Launcher interface {
	Launch(ctx context.Context, config string) (Instance, error)
}

// Fast, low-latency targets are probed first; the remainder only as
// fallback.
var (
	fastTestURLs = []string{
		"http://cp.cloudflare.com/generate_204",
		"http://www.gstatic.com/generate_204",
	}
	fallbackTestURLs = []string{
		"http://www.google.com/generate_204",
		"http://detectportal.firefox.com/success.txt",
		"http://clients3.google.com/generate_204",
	}
)

// Tester runs connectivity tests with an optional result cache.
type Tester struct {
	launcher      Launcher
	cache         *testcache.Cache
	timeout       time.Duration
	maskSensitive bool

	cacheHits atomic.Int64
}

// CacheHits reports how many tests were answered from the cache.
func (t *Tester) CacheHits() int64 { return t.cacheHits.Load() }

// New creates a Tester. cache may be nil to disable short-circuiting.
func New(launcher Launcher, cache *testcache.Cache, timeout time.Duration, maskSensitive bool) *Tester {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Tester{
		launcher:      launcher,
		cache:         cache,
		timeout:       timeout,
		maskSensitive: maskSensitive,
	}
}

// Test probes one proxy and always returns a result record. Panics and
// transport errors are converted into issue strings; testing one proxy can
// never crash the batch.
func (t *Tester) Test(ctx context.Context, p *model.Proxy) (result *model.Proxy) {
	l := logger.WithComponent("Tester")

	defer func() {
		if r := recover(); r != nil {
			result = p
			result.IsWorking = false
			result.AddIssue("connectivity", t.redact(fmt.Sprintf("tester panic: %v", r)))
			result.TestedAt = time.Now().UTC().Format(time.RFC3339)
		}
	}()

	if t.cache != nil {
		if cached := t.cache.Get(p); cached != nil {
			t.cacheHits.Add(1)
			cached.SetScore("reliability", t.cache.HealthScore(p))
			return cached
		}
	}

	inst, err := t.launcher.Launch(ctx, p.Config)
	if err != nil || inst == nil || inst.HTTPProxyURL() == "" {
		p.IsWorking = false
		msg := "proxy launch failed"
		if err != nil {
			msg = t.redact(fmt.Sprintf("proxy launch failed: %v", err))
		}
		p.AddIssue("connectivity", msg)
		p.TestedAt = time.Now().UTC().Format(time.RFC3339)
		if inst != nil {
			t.stopInstance(inst)
		}
		t.persist(p)
		return p
	}
	defer t.stopInstance(inst)

	client, err := t.probeClient(inst.HTTPProxyURL())
	if err != nil {
		p.IsWorking = false
		p.AddIssue("connectivity", t.redact(fmt.Sprintf("unusable local endpoint: %v", err)))
		p.TestedAt = time.Now().UTC().Format(time.RFC3339)
		t.persist(p)
		return p
	}

	urls := append(append([]string{}, fastTestURLs...), fallbackTestURLs...)
	timeout := t.timeout
	worked := false
	for i, target := range urls {
		if i > 0 {
			// Later probes get a tighter budget; the slow path has
			// already been paid for once.
			timeout = t.timeout / 2
		}
		latency, err := probe(ctx, client, target, timeout)
		if err != nil {
			l.Debug().Err(err).Str("target", target).Msg("Probe failed, trying next.")
			continue
		}
		p.SetLatencyMs(latency)
		p.IsWorking = true
		worked = true
		break
	}
	if !worked {
		p.IsWorking = false
		p.AddIssue("connectivity", "all test URLs failed")
	}

	p.TestedAt = time.Now().UTC().Format(time.RFC3339)
	if t.cache != nil {
		p.SetScore("reliability", t.cache.HealthScore(p))
	}
	t.persist(p)
	return p
}

func (t *Tester) persist(p *model.Proxy) {
	if t.cache != nil {
		t.cache.Set(p)
	}
}

func (t *Tester) stopInstance(inst Instance) {
	if err := inst.Stop(); err != nil {
		l := logger.WithComponent("Tester")
		l.Warn().Err(err).Msg("Failed to stop proxy instance.")
	}
}

// probeClient builds an HTTP client routed through the launched local
// endpoint, which may speak HTTP CONNECT or SOCKS5.
func (t *Tester) probeClient(endpoint string) (*http.Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
		DisableKeepAlives: true,
	}
	switch u.Scheme {
	case "socks5", "socks":
		dialer, err := xproxy.SOCKS5("tcp", u.Host, nil, &net.Dialer{Timeout: t.timeout})
		if err != nil {
			return nil, err
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(xproxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	default:
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport}, nil
}

// probe issues one GET through the proxied client and returns elapsed
// milliseconds on any 2xx status.
func probe(ctx context.Context, client *http.Client, target string, timeout time.Duration) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status %d from %s", resp.StatusCode, target)
	}
	return float64(time.Since(start).Milliseconds()), nil
}

// redact strips anything that looks like a credential from issue strings when
// sensitive masking is active.
func (t *Tester) redact(msg string) string {
	if !t.maskSensitive {
		return msg
	}
	// Crude but safe: drop userinfo-looking segments.
	if i := strings.Index(msg, "://"); i >= 0 {
		if j := strings.Index(msg[i:], "@"); j >= 0 {
			return msg[:i+3] + "***" + msg[i+j:]
		}
	}
	return msg
}
