package types

// FetchConf controls the source-fetching layer.
type FetchConf struct {
	TimeoutSeconds    int     `ini:"timeout_seconds"`
	MaxRetries        int     `ini:"max_retries"`
	RetryDelaySeconds float64 `ini:"retry_delay_seconds"`
	RequestsPerSecond float64 `ini:"requests_per_second"`
	GlobalConcurrency int     `ini:"global_concurrency"`
	HedgeAfterMs      int     `ini:"hedge_after_ms"`
	FailureThreshold  int     `ini:"failure_threshold"`
	RecoverySeconds   int     `ini:"recovery_seconds"`
	ETagCachePath     string  `ini:"etag_cache_path"`
	MetricsPath       string  `ini:"metrics_path"`
}

// TestConf controls connectivity testing.
type TestConf struct {
	MaxWorkers     int    `ini:"max_workers"`
	MaxProxies     int    `ini:"max_proxies"`
	TimeoutSeconds int    `ini:"timeout_seconds"`
	CachePath      string `ini:"cache_path"`
	CacheTTLHours  int    `ini:"cache_ttl_hours"`
	MaskSensitive  bool   `ini:"mask_sensitive"`
}

// FilterConf controls post-test filtering of working proxies.
type FilterConf struct {
	Countries    string `ini:"countries"` // comma-separated ISO codes, empty = all
	MinLatencyMs int    `ini:"min_latency_ms"`
	MaxLatencyMs int    `ini:"max_latency_ms"`
	Lenient      bool   `ini:"lenient"`
}

// OutputConf controls artifact generation.
type OutputConf struct {
	Dir string `ini:"dir"`
}

// LogConf contains logging specific configuration.
type LogConf struct {
	Level string `ini:"level"`
}

// Config is the unified configuration structure mapped from the ini file.
type Config struct {
	FetchConf  `ini:"fetch"`
	TestConf   `ini:"test"`
	FilterConf `ini:"filter"`
	OutputConf `ini:"output"`
	LogConf    `ini:"log"`
}

// DefaultConfig returns a Config populated with working defaults, used when no
// ini file is supplied or a section is missing.
func DefaultConfig() *Config {
	return &Config{
		FetchConf: FetchConf{
			TimeoutSeconds:    30,
			MaxRetries:        3,
			RetryDelaySeconds: 1.0,
			RequestsPerSecond: 10,
			GlobalConcurrency: 50,
			HedgeAfterMs:      800,
			FailureThreshold:  5,
			RecoverySeconds:   60,
			ETagCachePath:     "data/etag_cache.json",
			MetricsPath:       "data/fetch_metrics.ndjson",
		},
		TestConf: TestConf{
			MaxWorkers:     64,
			MaxProxies:     0, // 0 = unlimited
			TimeoutSeconds: 10,
			CachePath:      "data/test_results.json",
			CacheTTLHours:  6,
		},
		FilterConf: FilterConf{
			MaxLatencyMs: 5000,
		},
		OutputConf: OutputConf{
			Dir: "output",
		},
		LogConf: LogConf{
			Level: "info",
		},
	}
}
