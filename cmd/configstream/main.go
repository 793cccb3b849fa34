package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/fetch"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/geo"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/model"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/parser"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/pipeline"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/config"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/logger"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/types"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/tester"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/testcache"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: configstream <merge|retest> [flags]")
		os.Exit(1)
	}

	var exitCode int
	switch os.Args[1] {
	case "merge":
		exitCode = runMerge(os.Args[2:])
	case "retest":
		exitCode = runRetest(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q. Usage: configstream <merge|retest> [flags]\n", os.Args[1])
		exitCode = 1
	}
	os.Exit(exitCode)
}

type commonFlags struct {
	configPath string
	outputDir  string
	maxProxies int
	maxWorkers int
	countries  string
	maxLatency int
	minLatency int
	lenient    bool
	seed       int64
	seedSet    bool
	trigger    string
	runID      string
	launcher   string
}

func registerCommon(fs *flag.FlagSet, cf *commonFlags) {
	fs.StringVar(&cf.configPath, "config", "configstream.ini", "Path to ini config file")
	fs.StringVar(&cf.outputDir, "output", "", "Output directory (overrides config)")
	fs.IntVar(&cf.maxProxies, "max-proxies", -1, "Global cap on proxies tested (0 = unlimited)")
	fs.IntVar(&cf.maxWorkers, "max-workers", -1, "Concurrent test workers")
	fs.StringVar(&cf.countries, "countries", "", "Comma-separated country codes to keep")
	fs.IntVar(&cf.maxLatency, "max-latency", 0, "Maximum latency in ms (default 5000)")
	fs.IntVar(&cf.minLatency, "min-latency", 0, "Minimum latency in ms")
	fs.BoolVar(&cf.lenient, "lenient", false, "Record security issues without dropping proxies")
	fs.Int64Var(&cf.seed, "seed", 0, "Explicit shuffle seed")
	fs.StringVar(&cf.trigger, "trigger", "", "Run trigger: review, scheduled, manual")
	fs.StringVar(&cf.runID, "run-id", "", "External run identifier")
	fs.StringVar(&cf.launcher, "launcher", "sing-box-probe", "Proxy core command for live probing")
}

func buildOptions(cf *commonFlags, cfg *types.Config) pipeline.Options {
	opts := pipeline.Options{
		MaxWorkers:   cfg.TestConf.MaxWorkers,
		MaxProxies:   cfg.TestConf.MaxProxies,
		MinLatencyMs: cfg.FilterConf.MinLatencyMs,
		MaxLatencyMs: cfg.FilterConf.MaxLatencyMs,
		Lenient:      cfg.FilterConf.Lenient || cf.lenient,
	}
	if cf.maxProxies >= 0 {
		opts.MaxProxies = cf.maxProxies
	}
	if cf.maxWorkers > 0 {
		opts.MaxWorkers = cf.maxWorkers
	}
	if cf.maxLatency > 0 {
		opts.MaxLatencyMs = cf.maxLatency
	}
	if cf.minLatency > 0 {
		opts.MinLatencyMs = cf.minLatency
	}
	countriesCSV := cf.countries
	if countriesCSV == "" {
		countriesCSV = cfg.FilterConf.Countries
	}
	if countriesCSV != "" {
		for _, c := range strings.Split(countriesCSV, ",") {
			if c = strings.TrimSpace(c); c != "" {
				opts.Countries = append(opts.Countries, c)
			}
		}
	}

	opts.Run = pipeline.RunContext{RunID: cf.runID}
	switch cf.trigger {
	case "review":
		opts.Run.Trigger = pipeline.TriggerReview
	case "scheduled":
		opts.Run.Trigger = pipeline.TriggerScheduled
	case "manual":
		opts.Run.Trigger = pipeline.TriggerManual
	}
	if cf.seedSet {
		seed := cf.seed
		opts.Run.Seed = &seed
	}
	return opts
}

// buildOrchestrator wires the full stack from config. The returned cleanup
// stops the AIMD tuner and persists the test cache.
func buildOrchestrator(cf *commonFlags, cfg *types.Config) (*pipeline.Orchestrator, func()) {
	registry := parser.NewRegistry()
	fetcher := fetch.NewFetcher(cfg.FetchConf, registry.Schemes())
	fetcher.AIMD().Start()

	cache := testcache.New(cfg.TestConf.CachePath, time.Duration(cfg.TestConf.CacheTTLHours)*time.Hour)
	launcher := tester.NewExecLauncher(cf.launcher)
	tst := tester.New(launcher, cache, time.Duration(cfg.TestConf.TimeoutSeconds)*time.Second, cfg.TestConf.MaskSensitive)

	locator := geo.NewCachedLocator(geo.NewHTTPLocator())

	outputDir := cfg.OutputConf.Dir
	if cf.outputDir != "" {
		outputDir = cf.outputDir
	}
	writer := pipeline.NewWriter(outputDir)

	orch := pipeline.NewOrchestrator(fetcher, registry, tst, locator, writer)
	cleanup := func() {
		fetcher.AIMD().Stop()
		if removed := cache.CleanupExpired(); removed > 0 {
			logger.Info().Int("removed", removed).Msg("Expired test cache entries reclaimed.")
		}
		if err := cache.Save(); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist test cache.")
		}
	}
	return orch, cleanup
}

func runMerge(args []string) int {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	cf := &commonFlags{}
	registerCommon(fs, cf)
	sourcesPath := fs.String("sources", "sources.txt", "File listing source URLs/paths, one per line")
	_ = fs.Parse(args)
	cf.seedSet = flagWasSet(fs, "seed")

	cfg, err := config.Load(cf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	sources, err := readSourcesFile(*sourcesPath)
	if err != nil {
		logger.Error().Err(err).Str("path", *sourcesPath).Msg("Failed to read sources file.")
		return 1
	}

	orch, cleanup := buildOrchestrator(cf, cfg)
	defer cleanup()

	opts := buildOptions(cf, cfg)
	opts.Sources = sources

	result := orch.Run(context.Background(), opts)
	printSummary("merge", result)
	if !result.Success {
		return 1
	}
	return 0
}

func runRetest(args []string) int {
	fs := flag.NewFlagSet("retest", flag.ExitOnError)
	cf := &commonFlags{}
	registerCommon(fs, cf)
	inputPath := fs.String("input", "output/working_proxies.json", "Prior working-proxies JSON to retest")
	_ = fs.Parse(args)
	cf.seedSet = flagWasSet(fs, "seed")

	cfg, err := config.Load(cf.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}

	// Retest runs unconditionally in scheduled automation: nothing to
	// retest is a graceful no-op, not an error.
	proxies, ok := loadRetestInput(*inputPath)
	if !ok {
		return 0
	}

	orch, cleanup := buildOrchestrator(cf, cfg)
	defer cleanup()

	opts := buildOptions(cf, cfg)
	opts.Proxies = proxies

	result := orch.Run(context.Background(), opts)
	printSummary("retest", result)
	if !result.Success {
		return 1
	}
	return 0
}

func loadRetestInput(path string) ([]*model.Proxy, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Info().Str("path", path).Msg("No retest input file; nothing to do.")
		return nil, false
	}
	var proxies []*model.Proxy
	if err := json.Unmarshal(data, &proxies); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Retest input is not valid JSON; nothing to do.")
		return nil, false
	}
	if len(proxies) == 0 {
		logger.Info().Str("path", path).Msg("Retest input is empty; nothing to do.")
		return nil, false
	}
	return proxies, true
}

func readSourcesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sources []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sources = append(sources, line)
	}
	return sources, scanner.Err()
}

func printSummary(command string, result pipeline.Result) {
	if result.Success {
		fmt.Printf("%s succeeded: %d tested, %d working (success rate %.1f%%)\n",
			command, result.Stats.Tested, result.Stats.Working, result.Stats.SuccessRate*100)
		if result.FallbackAvailable {
			fmt.Println("No working proxies found; the full tested set is available as a fallback.")
		}
		return
	}
	fmt.Fprintf(os.Stderr, "%s failed: %s\n", command, result.Error)
}

func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
