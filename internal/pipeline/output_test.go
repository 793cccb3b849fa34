package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/model"
)

func sampleWorking() []*model.Proxy {
	lat := 42.0
	return []*model.Proxy{{
		Protocol:  "vless",
		Address:   "host.example",
		Port:      443,
		SNI:       "cdn.example",
		Remarks:   "node-1",
		Config:    "vless://u@host.example:443",
		IsWorking: true,
		LatencyMs: &lat,
	}}
}

func TestWriteAll_ProducesEveryArtifact(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	working := sampleWorking()
	err := w.WriteAll(working, working, Statistics{Fetched: 1, Tested: 1, Working: 1}, Metadata{RunID: "r1"})
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{
		"working_proxies.json", "all_tested.json", "statistics.json",
		"metadata.json", "proxies_raw.txt", "subscription_base64.txt", "clash.yaml",
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("artifact %s missing: %v", name, err)
		}
		if _, err := os.Stat(filepath.Join(dir, name+".tmp")); !os.IsNotExist(err) {
			t.Errorf("temp file for %s left behind", name)
		}
	}
}

func TestWriteAll_RawAndSubscriptionPreserveConfigs(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	working := sampleWorking()
	if err := w.WriteAll(working, working, Statistics{}, Metadata{}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "proxies_raw.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(raw)) != "vless://u@host.example:443" {
		t.Fatalf("raw list must carry the verbatim config, got %q", raw)
	}

	sub, err := os.ReadFile(filepath.Join(dir, "subscription_base64.txt"))
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(sub))
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != string(raw) {
		t.Fatal("subscription must be the base64 of the raw list")
	}
}

func TestWriteAll_ClashDocumentShape(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	working := sampleWorking()
	if err := w.WriteAll(working, working, Statistics{}, Metadata{}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "clash.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	var doc clashDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.Proxies) != 1 {
		t.Fatalf("expected one clash proxy, got %d", len(doc.Proxies))
	}
	entry := doc.Proxies[0]
	if entry["name"] != "node-1" || entry["server"] != "host.example" || entry["type"] != "vless" {
		t.Fatalf("unexpected clash entry: %v", entry)
	}
}

func TestWriteAll_MetadataCarriesVersionAndFallback(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	err := w.WriteAll(nil, sampleWorking(), Statistics{Tested: 1}, Metadata{FallbackAvailable: true})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		t.Fatal(err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Version == "" || meta.GeneratedAt == "" {
		t.Fatal("metadata must be versioned and timestamped")
	}
	if !meta.FallbackAvailable {
		t.Fatal("fallback flag lost")
	}
}
