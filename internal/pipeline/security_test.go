package pipeline

import (
	"strings"
	"testing"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/model"
)

func TestSecurityValidator_DropsPrivateAddresses(t *testing.T) {
	v := &SecurityValidator{}
	for _, addr := range []string{"127.0.0.1", "10.0.0.5", "192.168.1.1", "localhost", "0.0.0.0"} {
		p := &model.Proxy{Protocol: "vless", Address: addr, Port: 443, Config: "vless://x"}
		if v.Check(p) {
			t.Errorf("address %s should be dropped", addr)
		}
		if p.IsSecure {
			t.Errorf("address %s should be flagged insecure", addr)
		}
	}

	p := &model.Proxy{Protocol: "vless", Address: "example.com", Port: 443, Config: "vless://x"}
	if !v.Check(p) || !p.IsSecure {
		t.Fatal("a public hostname on a normal port should pass")
	}
}

func TestSecurityValidator_DangerousPortsAndOversize(t *testing.T) {
	v := &SecurityValidator{}

	p := &model.Proxy{Protocol: "ss", Address: "example.com", Port: 3389, Config: "ss://x"}
	if v.Check(p) {
		t.Fatal("RDP port should be dropped")
	}
	if len(p.SecurityIssues["port"]) == 0 {
		t.Fatal("port issue should be categorized")
	}

	big := &model.Proxy{Protocol: "ss", Address: "example.com", Port: 443, Config: strings.Repeat("x", maxConfigLength+1)}
	if v.Check(big) {
		t.Fatal("oversized config should be dropped")
	}
}

func TestSecurityValidator_LenientTagsWithoutDropping(t *testing.T) {
	v := &SecurityValidator{Lenient: true}
	p := &model.Proxy{Protocol: "vless", Address: "127.0.0.1", Port: 443, Config: "vless://x"}
	if !v.Check(p) {
		t.Fatal("lenient mode must keep flagged proxies")
	}
	if p.IsSecure || len(p.SecurityIssues) == 0 {
		t.Fatal("lenient mode must still record the issues")
	}
}

func TestSecurityValidator_InjectionPatterns(t *testing.T) {
	v := &SecurityValidator{}
	p := &model.Proxy{Protocol: "trojan", Address: "example.com", Port: 443, Path: "/ws$(rm -rf)", Config: "trojan://x"}
	if v.Check(p) {
		t.Fatal("injection pattern in a decoded field should be dropped")
	}
}
