package pipeline

import (
	"net"
	"strings"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/model"
)

const maxConfigLength = 8192

// Ports that should never appear on a public proxy endpoint.
var dangerousPorts = map[int]struct{}{
	19:   {}, // chargen
	23:   {}, // telnet
	25:   {}, // smtp
	135:  {},
	137:  {},
	139:  {},
	445:  {},
	3389: {},
}

var injectionPatterns = []string{
	"$(", "`", ";", "&&", "||", "\n", "\r", "|sh", "|bash",
}

// SecurityValidator is a pure structural safety filter over parsed proxies.
// In lenient mode issues are recorded on the proxy but nothing is dropped.
type SecurityValidator struct {
	Lenient bool
}

// Check inspects one proxy, records any issues and returns whether it should
// be kept.
func (v *SecurityValidator) Check(p *model.Proxy) bool {
	issues := 0

	if ip := net.ParseIP(p.Address); ip != nil {
		if ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
			p.AddIssue("address", "private or loopback address")
			issues++
		}
	}
	if p.Address == "localhost" {
		p.AddIssue("address", "private or loopback address")
		issues++
	}

	if _, ok := dangerousPorts[p.Port]; ok {
		p.AddIssue("port", "dangerous port")
		issues++
	}

	if len(p.Config) > maxConfigLength {
		p.AddIssue("config", "oversized config")
		issues++
	}

	// The decoded fields, not the raw line: base64 bodies legitimately
	// contain characters that would trip a raw scan.
scan:
	for _, field := range []string{p.Address, p.SNI, p.Path, p.Remarks} {
		for _, pat := range injectionPatterns {
			if strings.Contains(field, pat) {
				p.AddIssue("injection", "suspicious pattern in config field")
				issues++
				break scan
			}
		}
	}

	p.IsSecure = issues == 0
	return v.Lenient || p.IsSecure
}

// Filter applies Check to a batch, returning the kept subset and how many
// were dropped.
func (v *SecurityValidator) Filter(proxies []*model.Proxy) ([]*model.Proxy, int) {
	out := make([]*model.Proxy, 0, len(proxies))
	dropped := 0
	for _, p := range proxies {
		if v.Check(p) {
			out = append(out, p)
		} else {
			dropped++
		}
	}
	return out, dropped
}
