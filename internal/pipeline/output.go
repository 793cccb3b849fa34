package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/model"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/logger"
)

const outputVersion = "1.0"

// Statistics is the per-run summary artifact.
type Statistics struct {
	Fetched              int            `json:"fetched"`
	Parsed               int            `json:"parsed"`
	Tested               int            `json:"tested"`
	Working              int            `json:"working"`
	Duplicates           int            `json:"duplicates"`
	SecurityDropped      int            `json:"security_dropped"`
	CacheHits            int64          `json:"cache_hits"`
	SuccessRate          float64        `json:"success_rate"`
	AverageLatencyMs     float64        `json:"average_latency_ms"`
	ProtocolDistribution map[string]int `json:"protocol_distribution"`
}

// PhaseSummary records the counts of one phase for observability.
type PhaseSummary struct {
	Phase             int `json:"phase"`
	Fetched           int `json:"fetched"`
	Parsed            int `json:"parsed"`
	Tested            int `json:"tested"`
	Working           int `json:"working"`
	NewlyAdded        int `json:"newly_added"`
	CumulativeWorking int `json:"cumulative_working"`
}

// Metadata is the versioned run descriptor artifact.
type Metadata struct {
	Version           string         `json:"version"`
	RunID             string         `json:"run_id,omitempty"`
	GeneratedAt       string         `json:"generated_at"`
	FallbackAvailable bool           `json:"fallback_available"`
	Phases            []PhaseSummary `json:"phases"`
}

// Writer regenerates all output artifacts from the full accumulated state.
// Every file is written to a temp path and renamed, so a reader never sees a
// half-written artifact.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// EnsureDir creates the output root.
func (w *Writer) EnsureDir() error {
	return os.MkdirAll(w.dir, 0o755)
}

// WriteAll regenerates every artifact from the accumulated working and
// tested sets.
func (w *Writer) WriteAll(working, tested []*model.Proxy, stats Statistics, meta Metadata) error {
	l := logger.WithComponent("Pipeline/Output")

	if err := w.EnsureDir(); err != nil {
		return err
	}

	if err := w.writeJSON("working_proxies.json", working); err != nil {
		return err
	}
	if err := w.writeJSON("all_tested.json", tested); err != nil {
		return err
	}
	if err := w.writeJSON("statistics.json", stats); err != nil {
		return err
	}
	meta.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	meta.Version = outputVersion
	if err := w.writeJSON("metadata.json", meta); err != nil {
		return err
	}

	raw := rawList(working)
	if err := w.writeAtomic("proxies_raw.txt", []byte(raw)); err != nil {
		return err
	}
	sub := base64.StdEncoding.EncodeToString([]byte(raw))
	if err := w.writeAtomic("subscription_base64.txt", []byte(sub)); err != nil {
		return err
	}
	if err := w.writeClash(working); err != nil {
		return err
	}

	l.Debug().Int("working", len(working)).Int("tested", len(tested)).Msg("Output artifacts regenerated.")
	return nil
}

func rawList(proxies []*model.Proxy) string {
	var sb strings.Builder
	for _, p := range proxies {
		sb.WriteString(p.Config)
		sb.WriteString("\n")
	}
	return sb.String()
}

// clashDocument mirrors the subset of a Clash config we can emit without
// re-encoding the raw links.
type clashDocument struct {
	Proxies []map[string]any `yaml:"proxies"`
}

func (w *Writer) writeClash(working []*model.Proxy) error {
	doc := clashDocument{Proxies: make([]map[string]any, 0, len(working))}
	for i, p := range working {
		name := p.Remarks
		if name == "" {
			name = fmt.Sprintf("%s-%d", p.Protocol, i+1)
		}
		entry := map[string]any{
			"name":   name,
			"type":   clashType(p.Protocol),
			"server": p.Address,
			"port":   p.Port,
		}
		if p.SNI != "" {
			entry["sni"] = p.SNI
		}
		doc.Proxies = append(doc.Proxies, entry)
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	return w.writeAtomic("clash.yaml", data)
}

func clashType(protocol string) string {
	switch protocol {
	case "ss":
		return "ss"
	case "vmess":
		return "vmess"
	case "vless":
		return "vless"
	case "trojan":
		return "trojan"
	case "hysteria2":
		return "hysteria2"
	case "tuic":
		return "tuic"
	case "socks":
		return "socks5"
	default:
		return "http"
	}
}

func (w *Writer) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return w.writeAtomic(name, data)
}

func (w *Writer) writeAtomic(name string, data []byte) error {
	path := filepath.Join(w.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
