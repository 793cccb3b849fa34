package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tiendc/go-deepcopy"
)

// Proxy is the central record of the pipeline. It is created by a protocol
// parser from a raw config line, enriched in place by testing and geolocation,
// and only ever dropped by filtering steps. The raw Config string is preserved
// verbatim so outputs never re-encode it.
type Proxy struct {
	// Identity fields.
	Protocol   string   `json:"protocol"`
	Address    string   `json:"address"`
	Port       int      `json:"port"`
	Credential string   `json:"credential,omitempty"`
	SNI        string   `json:"sni,omitempty"`
	ALPN       []string `json:"alpn,omitempty"`
	Path       string   `json:"path,omitempty"`

	// Presentation.
	Remarks string `json:"remarks,omitempty"`

	// Raw config line, verbatim.
	Config string `json:"config"`

	// Mutable test-result fields.
	LatencyMs      *float64            `json:"latency_ms,omitempty"`
	IsWorking      bool                `json:"is_working"`
	IsSecure       bool                `json:"is_secure"`
	SecurityIssues map[string][]string `json:"security_issues,omitempty"`
	TestedAt       string              `json:"tested_at,omitempty"`

	// Geolocation.
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	City        string `json:"city,omitempty"`
	ASN         string `json:"asn,omitempty"`

	AgeSeconds float64            `json:"age_seconds,omitempty"`
	Stale      bool               `json:"stale,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`
}

// Key returns the stable identity of a proxy: protocol, host, port,
// credential, sni, alpn set and path, all case-normalized. Two proxies with
// the same Key are the same endpoint regardless of remarks or transport noise
// in the raw config.
func (p *Proxy) Key() string {
	alpn := make([]string, len(p.ALPN))
	for i, a := range p.ALPN {
		alpn[i] = strings.ToLower(a)
	}
	sort.Strings(alpn)
	return strings.Join([]string{
		strings.ToLower(p.Protocol),
		strings.ToLower(p.Address),
		fmt.Sprintf("%d", p.Port),
		strings.ToLower(p.Credential),
		strings.ToLower(p.SNI),
		strings.Join(alpn, ","),
		strings.ToLower(p.Path),
	}, "|")
}

// DedupKey is the coarser key used by batch deduplication: protocol, address,
// port, credential and the trimmed raw config line.
func (p *Proxy) DedupKey() string {
	return strings.Join([]string{
		strings.ToLower(p.Protocol),
		strings.ToLower(p.Address),
		fmt.Sprintf("%d", p.Port),
		p.Credential,
		strings.TrimSpace(p.Config),
	}, "|")
}

// Clone returns a deep copy of the proxy. Nested maps and slices are copied
// too, so mutating the clone can never leak into the original. This matters
// for the orchestrator's parse cache, where one cached parse result backs many
// independently-tested proxies.
func (p *Proxy) Clone() *Proxy {
	var out Proxy
	if err := deepcopy.Copy(&out, p); err != nil {
		// deepcopy only fails on type mismatches, which cannot happen when
		// source and destination are the same concrete type.
		panic(err)
	}
	return &out
}

// AddIssue records a categorized security or connectivity issue.
func (p *Proxy) AddIssue(category, issue string) {
	if p.SecurityIssues == nil {
		p.SecurityIssues = make(map[string][]string)
	}
	p.SecurityIssues[category] = append(p.SecurityIssues[category], issue)
}

// SetLatencyMs stores a latency measurement, enforcing a small positive floor
// so a sub-millisecond probe never records zero.
func (p *Proxy) SetLatencyMs(ms float64) {
	if ms < 1 {
		ms = 1
	}
	p.LatencyMs = &ms
}

// SetScore records a named strategy score.
func (p *Proxy) SetScore(strategy string, score float64) {
	if p.Scores == nil {
		p.Scores = make(map[string]float64)
	}
	p.Scores[strategy] = score
}

// HostPort returns the dial address of the proxy endpoint.
func (p *Proxy) HostPort() string {
	return fmt.Sprintf("%s:%d", p.Address, p.Port)
}
