// Package parser turns raw proxy config URIs into normalized model.Proxy
// records. The registry is constructed explicitly at startup and immutable
// afterwards; unknown schemes simply do not parse.
package parser

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/model"
)

// ParseFunc parses one raw config line into a Proxy, or errors.
type ParseFunc func(raw string) (*model.Proxy, error)

// Registry maps config URI schemes to their parsers.
type Registry struct {
	parsers map[string]ParseFunc
	schemes []string
}

// NewRegistry builds the default scheme registry.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]ParseFunc)}
	r.register("vmess", parseVmess)
	r.register("vless", parseURIStyle("vless"))
	r.register("trojan", parseURIStyle("trojan"))
	r.register("ss", parseShadowsocks)
	r.register("hysteria2", parseURIStyle("hysteria2"))
	r.register("tuic", parseURIStyle("tuic"))
	r.register("wg", parseURIStyle("wg"))
	r.register("http", parseURIStyle("http"))
	r.register("https", parseURIStyle("https"))
	r.register("socks", parseURIStyle("socks"))
	return r
}

func (r *Registry) register(scheme string, fn ParseFunc) {
	r.parsers[scheme] = fn
	r.schemes = append(r.schemes, scheme)
}

// Schemes lists the recognized scheme prefixes, in registration order.
func (r *Registry) Schemes() []string {
	out := make([]string, len(r.schemes))
	copy(out, r.schemes)
	return out
}

// Parse dispatches raw to the parser for its scheme. A line with an unknown
// scheme or a malformed body returns an error; callers drop such lines.
func (r *Registry) Parse(raw string) (*model.Proxy, error) {
	raw = strings.TrimSpace(raw)
	idx := strings.Index(raw, "://")
	if idx <= 0 {
		return nil, fmt.Errorf("no scheme in config line")
	}
	scheme := raw[:idx]
	fn, ok := r.parsers[scheme]
	if !ok {
		return nil, fmt.Errorf("unknown scheme %q", scheme)
	}
	p, err := fn(raw)
	if err != nil {
		return nil, err
	}
	if p.Address == "" || p.Port <= 0 || p.Port > 65535 {
		return nil, fmt.Errorf("missing or invalid endpoint in %s config", scheme)
	}
	return p, nil
}

// vmessPayload is the base64-encoded JSON body of a vmess:// link.
type vmessPayload struct {
	Add  string          `json:"add"`
	Port json.RawMessage `json:"port"`
	ID   string          `json:"id"`
	PS   string          `json:"ps"`
	SNI  string          `json:"sni"`
	Host string          `json:"host"`
	Path string          `json:"path"`
	ALPN string          `json:"alpn"`
}

func parseVmess(raw string) (*model.Proxy, error) {
	payload := strings.TrimPrefix(raw, "vmess://")
	decoded, err := decodeBase64Loose(payload)
	if err != nil {
		return nil, fmt.Errorf("vmess payload is not base64: %w", err)
	}
	var v vmessPayload
	if err := json.Unmarshal(decoded, &v); err != nil {
		return nil, fmt.Errorf("vmess payload is not JSON: %w", err)
	}
	port, err := flexiblePort(v.Port)
	if err != nil {
		return nil, err
	}

	p := &model.Proxy{
		Protocol:   "vmess",
		Address:    v.Add,
		Port:       port,
		Credential: v.ID,
		SNI:        v.SNI,
		Path:       v.Path,
		Remarks:    v.PS,
		Config:     raw,
	}
	if p.SNI == "" {
		p.SNI = v.Host
	}
	if v.ALPN != "" {
		p.ALPN = splitALPN(v.ALPN)
	}
	return p, nil
}

// parseURIStyle handles schemes of the common form
// scheme://credential@host:port?query#fragment.
func parseURIStyle(scheme string) ParseFunc {
	return func(raw string) (*model.Proxy, error) {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("malformed %s URI: %w", scheme, err)
		}
		host := u.Hostname()
		port, _ := strconv.Atoi(u.Port())
		if port == 0 {
			switch scheme {
			case "http":
				port = 80
			case "https":
				port = 443
			}
		}

		q := u.Query()
		p := &model.Proxy{
			Protocol: scheme,
			Address:  host,
			Port:     port,
			SNI:      q.Get("sni"),
			Path:     q.Get("path"),
			Remarks:  u.Fragment,
			Config:   raw,
		}
		if u.User != nil {
			p.Credential = u.User.Username()
			if pw, ok := u.User.Password(); ok && pw != "" {
				p.Credential += ":" + pw
			}
		}
		if alpn := q.Get("alpn"); alpn != "" {
			p.ALPN = splitALPN(alpn)
		}
		if scheme == "vless" {
			if _, err := uuid.Parse(u.User.Username()); err != nil {
				return nil, fmt.Errorf("vless credential is not a UUID")
			}
		}
		return p, nil
	}
}

// parseShadowsocks handles both ss:// forms: base64(method:password)@host:port
// and fully base64-encoded method:password@host:port.
func parseShadowsocks(raw string) (*model.Proxy, error) {
	body := strings.TrimPrefix(raw, "ss://")
	var fragment string
	if i := strings.Index(body, "#"); i >= 0 {
		fragment, _ = url.PathUnescape(body[i+1:])
		body = body[:i]
	}

	var userinfo, hostport string
	if at := strings.LastIndex(body, "@"); at >= 0 {
		decoded, err := decodeBase64Loose(body[:at])
		if err != nil {
			return nil, fmt.Errorf("ss userinfo is not base64: %w", err)
		}
		userinfo = string(decoded)
		hostport = body[at:][1:]
	} else {
		decoded, err := decodeBase64Loose(body)
		if err != nil {
			return nil, fmt.Errorf("ss payload is not base64: %w", err)
		}
		plain := string(decoded)
		at := strings.LastIndex(plain, "@")
		if at < 0 {
			return nil, fmt.Errorf("ss payload has no endpoint")
		}
		userinfo = plain[:at]
		hostport = plain[at+1:]
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("ss endpoint malformed: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("ss port malformed: %w", err)
	}

	return &model.Proxy{
		Protocol:   "ss",
		Address:    host,
		Port:       port,
		Credential: userinfo,
		Remarks:    fragment,
		Config:     raw,
	}, nil
}

// decodeBase64Loose accepts standard or URL-safe base64, padded or not.
func decodeBase64Loose(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}

// flexiblePort accepts ports encoded as JSON numbers or strings.
func flexiblePort(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing port")
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.Atoi(s)
	}
	return 0, fmt.Errorf("unparseable port %s", string(raw))
}

func splitALPN(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
