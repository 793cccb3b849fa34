package fetch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MetricsRecord is one AIMD adjustment snapshot for a host.
type MetricsRecord struct {
	Timestamp        string  `json:"timestamp"`
	Host             string  `json:"host"`
	P50Latency       float64 `json:"p50_latency"`
	P95Latency       float64 `json:"p95_latency"`
	ErrorRate        float64 `json:"error_rate"`
	ConcurrencyLimit int     `json:"concurrency_limit"`
}

// MetricsSink accumulates tuner records in memory and flushes them as
// newline-delimited JSON, one record per line.
type MetricsSink struct {
	path    string
	mu      sync.Mutex
	records []MetricsRecord
}

func NewMetricsSink(path string) *MetricsSink {
	return &MetricsSink{path: path}
}

// Record appends one adjustment snapshot.
func (s *MetricsSink) Record(host string, p50, p95, errorRate float64, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, MetricsRecord{
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		Host:             host,
		P50Latency:       p50,
		P95Latency:       p95,
		ErrorRate:        errorRate,
		ConcurrencyLimit: limit,
	})
}

// Flush writes all accumulated records and clears the buffer.
func (s *MetricsSink) Flush() error {
	s.mu.Lock()
	records := s.records
	s.records = nil
	s.mu.Unlock()

	if len(records) == 0 {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
