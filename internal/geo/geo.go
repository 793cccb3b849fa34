// Package geo resolves proxy endpoints to coarse location data. Lookups
// never fail hard: private, unparseable or unresolvable addresses yield
// neutral unknown values.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/logger"
)

// Location is the result of one lookup. Zero values mean unknown.
type Location struct {
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	City        string `json:"city,omitempty"`
	ASN         string `json:"asn,omitempty"`
}

// Locator resolves a host or IP to a location.
type Locator interface {
	Lookup(ctx context.Context, host string) Location
}

type apiResponse struct {
	Status      string `json:"status"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
	AS          string `json:"as"`
}

// HTTPLocator queries the ip-api.com JSON endpoint.
type HTTPLocator struct {
	client  *http.Client
	baseURL string
}

// NewHTTPLocator creates a locator with a dedicated short-timeout client.
func NewHTTPLocator() *HTTPLocator {
	return &HTTPLocator{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: "http://ip-api.com/json",
	}
}

// Lookup resolves host. Private and loopback addresses short-circuit to
// unknown without a network call.
func (g *HTTPLocator) Lookup(ctx context.Context, host string) Location {
	l := logger.WithComponent("Geo")

	if ip := net.ParseIP(host); ip != nil && (ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified()) {
		return Location{}
	}

	apiURL := fmt.Sprintf("%s/%s?fields=status,country,countryCode,city,as", g.baseURL, host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return Location{}
	}
	resp, err := g.client.Do(req)
	if err != nil {
		l.Debug().Err(err).Str("host", host).Msg("Geo API request failed.")
		return Location{}
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		l.Debug().Err(err).Str("host", host).Msg("Failed to decode Geo API response.")
		return Location{}
	}
	if out.Status != "success" {
		return Location{}
	}
	return Location{
		Country:     out.Country,
		CountryCode: out.CountryCode,
		City:        out.City,
		ASN:         out.AS,
	}
}

// CachedLocator wraps a Locator with an in-run address cache so the same
// address is never resolved twice within one pipeline run.
type CachedLocator struct {
	inner Locator
	mu    sync.Mutex
	seen  map[string]Location
}

func NewCachedLocator(inner Locator) *CachedLocator {
	return &CachedLocator{inner: inner, seen: make(map[string]Location)}
}

func (c *CachedLocator) Lookup(ctx context.Context, host string) Location {
	c.mu.Lock()
	if loc, ok := c.seen[host]; ok {
		c.mu.Unlock()
		return loc
	}
	c.mu.Unlock()

	loc := c.inner.Lookup(ctx, host)

	c.mu.Lock()
	c.seen[host] = loc
	c.mu.Unlock()
	return loc
}
