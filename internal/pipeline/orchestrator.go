package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/fetch"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/geo"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/model"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/parser"
	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/logger"
)

const (
	maxPhases    = 40
	chunkSize    = 15000
	subBatchSize = 1000

	defaultMaxLatencyMs = 5000
)

// ProxyTester abstracts the connectivity tester so runs can be driven with a
// mock.
type ProxyTester interface {
	Test(ctx context.Context, p *model.Proxy) *model.Proxy
}

// SourceFetcher abstracts the fetch layer.
type SourceFetcher interface {
	FetchMultiple(ctx context.Context, sources []string) []fetch.FetchResult
}

// Options are the per-run inputs of the pipeline.
type Options struct {
	Sources []string
	// Proxies are pre-parsed records for retest mode; they are consumed
	// before any fetched configs.
	Proxies []*model.Proxy

	MaxWorkers   int
	MaxProxies   int // 0 = unlimited
	Countries    []string
	MinLatencyMs int
	MaxLatencyMs int // 0 = default 5000
	Lenient      bool

	Run RunContext
}

// Result is the outcome of one full pipeline run.
type Result struct {
	Success           bool
	Error             string
	FallbackAvailable bool
	Stats             Statistics
	Phases            []PhaseSummary
	Working           []*model.Proxy
	Tested            []*model.Proxy
}

// Orchestrator is the top-level phased driver: fetch, parse, security filter,
// dedup, test, geolocate, filter, incremental output, looping until the queue
// drains, the proxy cap is hit, or the phase ceiling is reached. The phase
// loop itself is strictly sequential; concurrency lives inside the test step.
type Orchestrator struct {
	fetcher  SourceFetcher
	registry *parser.Registry
	tester   ProxyTester
	locator  geo.Locator
	writer   *Writer
}

func NewOrchestrator(fetcher SourceFetcher, registry *parser.Registry, tester ProxyTester, locator geo.Locator, writer *Writer) *Orchestrator {
	return &Orchestrator{
		fetcher:  fetcher,
		registry: registry,
		tester:   tester,
		locator:  locator,
		writer:   writer,
	}
}

// phaseState is the orchestrator's working set, owned by the single control
// flow of Run.
type phaseState struct {
	queue      []string // FIFO of not-yet-parsed raw config lines
	preparsed  [][]*model.Proxy
	parseCache map[string]*model.Proxy
	processed  map[string]struct{} // identity keys already tested
	written    map[string]struct{} // identity keys already written
	allTested  []*model.Proxy
	allWorking []*model.Proxy
	stats      Statistics
	phases     []PhaseSummary
}

// Run executes the full pipeline. It never panics outward: any unhandled
// failure becomes a failed Result, and output files already flushed from
// completed phases stay on disk.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (result Result) {
	l := logger.WithComponent("Pipeline/Orchestrator")

	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("Pipeline run failed with unhandled error.")
			result = Result{Success: false, Error: fmt.Sprintf("unhandled error: %v", r)}
		}
	}()

	if len(opts.Sources) == 0 && len(opts.Proxies) == 0 {
		return Result{Success: false, Error: "no sources or proxies provided"}
	}

	runID := uuid.NewString()
	if opts.Run.RunID == "" {
		opts.Run.RunID = runID
	}
	l.Info().Str("run_id", opts.Run.RunID).Int("sources", len(opts.Sources)).Int("preparsed", len(opts.Proxies)).Msg("Pipeline run starting.")

	st := &phaseState{
		parseCache: make(map[string]*model.Proxy),
		processed:  make(map[string]struct{}),
		written:    make(map[string]struct{}),
	}
	st.stats.ProtocolDistribution = make(map[string]int)
	if len(opts.Proxies) > 0 {
		st.preparsed = append(st.preparsed, opts.Proxies)
	}

	o.collectSources(ctx, opts.Sources, st)
	st.stats.Fetched = len(st.queue)
	for _, batch := range st.preparsed {
		st.stats.Fetched += len(batch)
	}

	capReached := o.phaseLoop(ctx, opts, st)
	if len(st.queue) > 0 && !capReached {
		l.Warn().Int("queued", len(st.queue)).Msg("Phase ceiling reached with configs still queued.")
	}

	return o.finalize(opts, st)
}

// collectSources pulls raw config lines from every source: URLs through the
// adaptive fetch layer, anything else read as a local file. Per-source
// failures never abort siblings.
func (o *Orchestrator) collectSources(ctx context.Context, sources []string, st *phaseState) {
	l := logger.WithComponent("Pipeline/Orchestrator")

	var remote []string
	for _, src := range sources {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
			remote = append(remote, src)
			continue
		}
		lines, err := o.readLocalSource(src)
		if err != nil {
			l.Warn().Err(err).Str("source", src).Msg("Failed to read local source.")
			continue
		}
		st.queue = append(st.queue, lines...)
	}

	if len(remote) == 0 {
		return
	}
	results := o.fetcher.FetchMultiple(ctx, remote)
	for _, res := range results {
		if !res.Success {
			l.Warn().Str("source", res.URL).Str("error", res.Error).Msg("Source fetch failed.")
			continue
		}
		if res.Error == fetch.ErrNotModified {
			l.Debug().Str("source", res.URL).Msg("Source unchanged since last fetch.")
			continue
		}
		st.queue = append(st.queue, res.Configs...)
	}
}

func (o *Orchestrator) readLocalSource(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	schemes := o.registry.Schemes()
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, scheme := range schemes {
			if strings.HasPrefix(line, scheme+"://") {
				lines = append(lines, line)
				break
			}
		}
	}
	return lines, scanner.Err()
}

// phaseLoop runs bounded phases until the work runs out. Returns true when
// it stopped because the global proxy cap was exhausted.
func (o *Orchestrator) phaseLoop(ctx context.Context, opts Options, st *phaseState) bool {
	l := logger.WithComponent("Pipeline/Orchestrator")
	security := &SecurityValidator{Lenient: opts.Lenient}

	for phase := 1; phase <= maxPhases; phase++ {
		if len(st.preparsed) == 0 && len(st.queue) == 0 {
			return false
		}

		summary := PhaseSummary{Phase: phase}
		var batch []*model.Proxy

		if len(st.preparsed) > 0 {
			batch = st.preparsed[0]
			st.preparsed = st.preparsed[1:]
			summary.Fetched = len(batch)
			summary.Parsed = len(batch)
			st.stats.Parsed += len(batch)
		} else {
			n := len(st.queue)
			if n > chunkSize {
				n = chunkSize
			}
			chunk := st.queue[:n]
			st.queue = st.queue[n:]
			summary.Fetched = len(chunk)
			batch = o.parseChunk(chunk, st)
			summary.Parsed = len(batch)
		}

		kept, dropped := security.Filter(batch)
		st.stats.SecurityDropped += dropped
		batch = kept

		unique, dupes := Deduplicate(batch)
		st.stats.Duplicates += dupes
		Shuffle(unique, opts.Run)
		batch = unique

		// Global cap: trim to remaining capacity, stop entirely once spent.
		if opts.MaxProxies > 0 {
			remaining := opts.MaxProxies - st.stats.Tested
			if remaining <= 0 {
				l.Info().Int("max_proxies", opts.MaxProxies).Msg("Global proxy cap reached, stopping.")
				return true
			}
			if len(batch) > remaining {
				batch = batch[:remaining]
			}
		}

		// Cross-phase repeats: an identity tested in any earlier phase is
		// never retested.
		fresh := batch[:0]
		for _, p := range batch {
			if _, done := st.processed[p.Key()]; done {
				continue
			}
			fresh = append(fresh, p)
		}
		batch = fresh

		tested := o.testBatch(ctx, opts, batch)
		for _, p := range tested {
			st.processed[p.Key()] = struct{}{}
			st.stats.ProtocolDistribution[p.Protocol]++
		}
		st.stats.Tested += len(tested)
		summary.Tested = len(tested)

		working := o.geolocateAndFilter(ctx, opts, tested)
		summary.Working = len(working)

		st.allTested = append(st.allTested, tested...)
		for _, p := range working {
			if _, done := st.written[p.Key()]; done {
				continue
			}
			st.written[p.Key()] = struct{}{}
			st.allWorking = append(st.allWorking, p)
			summary.NewlyAdded++
		}
		sortByLatency(st.allWorking)
		summary.CumulativeWorking = len(st.allWorking)

		st.phases = append(st.phases, summary)
		o.writeIncremental(opts, st)

		l.Info().
			Int("phase", phase).
			Int("fetched", summary.Fetched).
			Int("parsed", summary.Parsed).
			Int("tested", summary.Tested).
			Int("working", summary.Working).
			Int("cumulative_working", summary.CumulativeWorking).
			Msg("Phase complete.")
	}
	return false
}

// parseChunk parses raw lines through the run's parse cache. Cache hits are
// deep-copied so test mutations on one phase's proxy never leak into another
// phase's cached parse result.
func (o *Orchestrator) parseChunk(chunk []string, st *phaseState) []*model.Proxy {
	out := make([]*model.Proxy, 0, len(chunk))
	for _, raw := range chunk {
		if cached, ok := st.parseCache[raw]; ok {
			if cached != nil {
				out = append(out, cached.Clone())
				st.stats.Parsed++
			}
			continue
		}
		p, err := o.registry.Parse(raw)
		if err != nil {
			// Malformed line: drop silently, count as fetched-not-parsed.
			st.parseCache[raw] = nil
			continue
		}
		st.parseCache[raw] = p
		out = append(out, p.Clone())
		st.stats.Parsed++
	}
	return out
}

// testBatch tests with bounded concurrency in sub-batches. The worker bound
// is a plain semaphore, deliberately independent of the fetch layer's AIMD
// controls: testing and fetching are separate resource pools.
func (o *Orchestrator) testBatch(ctx context.Context, opts Options, batch []*model.Proxy) []*model.Proxy {
	if len(batch) == 0 {
		return nil
	}
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = 32
	}
	sem := semaphore.NewWeighted(int64(workers))

	results := make([]*model.Proxy, len(batch))
	for start := 0; start < len(batch); start += subBatchSize {
		end := start + subBatchSize
		if end > len(batch) {
			end = len(batch)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = batch[i]
				continue
			}
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				defer sem.Release(1)
				// Each worker exclusively owns its proxy and result slot.
				results[idx] = o.tester.Test(ctx, batch[idx])
			}(i)
		}
		wg.Wait()
	}

	out := make([]*model.Proxy, 0, len(batch))
	for _, p := range results {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// geolocateAndFilter enriches the working subset with location data and
// applies the country and latency bounds, sorted by latency ascending.
func (o *Orchestrator) geolocateAndFilter(ctx context.Context, opts Options, tested []*model.Proxy) []*model.Proxy {
	maxLatency := opts.MaxLatencyMs
	if maxLatency <= 0 {
		maxLatency = defaultMaxLatencyMs
	}
	countries := make(map[string]struct{}, len(opts.Countries))
	for _, c := range opts.Countries {
		countries[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
	}

	working := make([]*model.Proxy, 0, len(tested))
	for _, p := range tested {
		if !p.IsWorking {
			continue
		}
		if p.Country == "" && o.locator != nil {
			loc := o.locator.Lookup(ctx, p.Address)
			p.Country = loc.Country
			p.CountryCode = loc.CountryCode
			p.City = loc.City
			p.ASN = loc.ASN
		}
		if len(countries) > 0 {
			if _, ok := countries[strings.ToUpper(p.CountryCode)]; !ok {
				continue
			}
		}
		if p.LatencyMs != nil {
			ms := *p.LatencyMs
			if ms < float64(opts.MinLatencyMs) || ms > float64(maxLatency) {
				continue
			}
		}
		working = append(working, p)
	}
	sortByLatency(working)
	return working
}

// sortByLatency orders ascending; unknown latency sorts last.
func sortByLatency(proxies []*model.Proxy) {
	sort.SliceStable(proxies, func(i, j int) bool {
		a, b := proxies[i].LatencyMs, proxies[j].LatencyMs
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return *a < *b
		}
	})
}

// writeIncremental regenerates all artifacts from the full accumulated state
// so an interrupted run still leaves usable partial results.
func (o *Orchestrator) writeIncremental(opts Options, st *phaseState) {
	stats := st.stats
	stats.CacheHits = o.cacheHits()
	fillDerivedStats(&stats, st.allWorking)
	meta := Metadata{
		RunID:             opts.Run.RunID,
		FallbackAvailable: stats.Tested > 0 && len(st.allWorking) == 0,
		Phases:            st.phases,
	}
	if err := o.writer.WriteAll(st.allWorking, st.allTested, stats, meta); err != nil {
		l := logger.WithComponent("Pipeline/Orchestrator")
		l.Error().Err(err).Msg("Failed to write output artifacts.")
	}
}

func fillDerivedStats(stats *Statistics, working []*model.Proxy) {
	stats.Working = len(working)
	if stats.Tested > 0 {
		stats.SuccessRate = float64(stats.Working) / float64(stats.Tested)
	}
	var latencySum float64
	var latencyCount int
	for _, p := range working {
		if p.LatencyMs != nil {
			latencySum += *p.LatencyMs
			latencyCount++
		}
	}
	if latencyCount > 0 {
		stats.AverageLatencyMs = latencySum / float64(latencyCount)
	}
}

// finalize decides the run outcome. Tested-but-none-working is a successful
// run with fallback semantics; zero tested is a failure with the most
// specific reason available.
// cacheHits asks the tester for its cache-hit count when it can report one.
func (o *Orchestrator) cacheHits() int64 {
	if c, ok := o.tester.(interface{ CacheHits() int64 }); ok {
		return c.CacheHits()
	}
	return 0
}

func (o *Orchestrator) finalize(opts Options, st *phaseState) Result {
	l := logger.WithComponent("Pipeline/Orchestrator")
	st.stats.CacheHits = o.cacheHits()
	fillDerivedStats(&st.stats, st.allWorking)

	res := Result{
		Stats:   st.stats,
		Phases:  st.phases,
		Working: st.allWorking,
		Tested:  st.allTested,
	}

	if st.stats.Tested == 0 {
		res.Success = false
		switch {
		case st.stats.Fetched == 0:
			res.Error = "no configs fetched from any source"
		case st.stats.Parsed == 0:
			res.Error = "no configs could be parsed"
		case st.stats.SecurityDropped > 0:
			res.Error = "all configs were deemed insecure"
		default:
			res.Error = "no proxies were tested"
		}
		l.Error().Str("reason", res.Error).Msg("Pipeline run failed.")
		return res
	}

	res.Success = true
	res.FallbackAvailable = len(st.allWorking) == 0
	if res.FallbackAvailable {
		l.Warn().Int("tested", st.stats.Tested).Msg("No working proxies; full tested set available as fallback.")
	}
	l.Info().
		Int("tested", st.stats.Tested).
		Int("working", st.stats.Working).
		Float64("success_rate", st.stats.SuccessRate).
		Msg("Pipeline run finished.")
	return res
}
