package fetch

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/AmirrezaFarnamTaheri/ConfigStream-sub000/internal/shared/logger"
)

const (
	windowCapacity = 100

	badErrorRate = 0.02
	slowP95      = 1.5 // seconds
	slowP50      = 0.4 // seconds
)

// AIMDConfig bounds the adaptive per-host concurrency controller.
type AIMDConfig struct {
	InitialLimit int
	MinLimit     int
	MaxLimit     int
	Interval     time.Duration
}

// DefaultAIMDConfig matches the tuner defaults: start at 2, stay within
// [1, 32], adjust every 2 seconds.
func DefaultAIMDConfig() AIMDConfig {
	return AIMDConfig{InitialLimit: 2, MinLimit: 1, MaxLimit: 32, Interval: 2 * time.Second}
}

// permitPool is a resizable admission gate. Unlike a fixed semaphore it can
// change capacity while waiters are blocked: Resize broadcasts, and every
// waiter re-checks against the new limit, so nothing is ever stranded on a
// stale pool.
type permitPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	limit    int
	inFlight int
}

func newPermitPool(limit int) *permitPool {
	p := &permitPool{limit: limit}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire blocks until a permit is available or ctx is done.
func (p *permitPool) Acquire(ctx context.Context) error {
	// Wake this waiter when the context is cancelled so cond.Wait cannot
	// block past the deadline.
	stop := context.AfterFunc(ctx, func() {
		p.cond.Broadcast()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.inFlight >= p.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.cond.Wait()
	}
	p.inFlight++
	return nil
}

// Release returns a permit.
func (p *permitPool) Release() {
	p.mu.Lock()
	if p.inFlight > 0 {
		p.inFlight--
	}
	p.mu.Unlock()
	p.cond.Signal()
}

// Resize changes capacity and wakes all waiters to re-evaluate.
func (p *permitPool) Resize(limit int) {
	p.mu.Lock()
	p.limit = limit
	p.mu.Unlock()
	p.cond.Broadcast()
}

// hostWindow is the rolling performance window for one remote host. It is
// mutated only by Record appends and by the tuner's reset, both under mu.
type hostWindow struct {
	mu        sync.Mutex
	samples   []float64 // latency seconds, bounded ring
	successes int
	errors    int
	limit     int
	pool      *permitPool
}

func (w *hostWindow) record(latencySeconds float64, success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) >= windowCapacity {
		w.samples = w.samples[1:]
	}
	w.samples = append(w.samples, latencySeconds)
	if success {
		w.successes++
	} else {
		w.errors++
	}
}

// AIMDController bounds concurrent outstanding requests per host and adapts
// the bound to observed latency and error rate: additive increase when the
// window looks healthy, multiplicative decrease when it looks bad or slow.
type AIMDController struct {
	cfg     AIMDConfig
	metrics *MetricsSink

	mu    sync.Mutex
	hosts map[string]*hostWindow

	runMu   sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewAIMDController creates a controller; metrics may be nil.
func NewAIMDController(cfg AIMDConfig, metrics *MetricsSink) *AIMDController {
	if cfg.InitialLimit <= 0 {
		cfg = DefaultAIMDConfig()
	}
	return &AIMDController{
		cfg:     cfg,
		metrics: metrics,
		hosts:   make(map[string]*hostWindow),
	}
}

func (c *AIMDController) window(host string) *hostWindow {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.hosts[host]
	if !ok {
		w = &hostWindow{
			limit: c.cfg.InitialLimit,
			pool:  newPermitPool(c.cfg.InitialLimit),
		}
		c.hosts[host] = w
	}
	return w
}

// Acquire blocks until host has a free concurrency permit.
func (c *AIMDController) Acquire(ctx context.Context, host string) error {
	return c.window(host).pool.Acquire(ctx)
}

// Release returns host's permit.
func (c *AIMDController) Release(host string) {
	c.window(host).pool.Release()
}

// Record appends a completed request's outcome to host's rolling window.
func (c *AIMDController) Record(host string, latencySeconds float64, success bool) {
	c.window(host).record(latencySeconds, success)
}

// Limit returns the current concurrency bound for host.
func (c *AIMDController) Limit(host string) int {
	w := c.window(host)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit
}

// Start launches the background tuner. Idempotent.
func (c *AIMDController) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.tunerLoop(c.stopCh, c.doneCh)
}

// Stop cancels the tuner and waits for it to actually exit. Idempotent.
func (c *AIMDController) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.running = false
}

func (c *AIMDController) tunerLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.adjustAll()
		case <-stopCh:
			return
		}
	}
}

func (c *AIMDController) adjustAll() {
	c.mu.Lock()
	hosts := make(map[string]*hostWindow, len(c.hosts))
	for h, w := range c.hosts {
		hosts[h] = w
	}
	c.mu.Unlock()

	for host, w := range hosts {
		c.adjustHost(host, w)
	}
}

// adjustHost runs one tuning cycle for a single host window: classify the
// window, apply AIMD, reset the window, and emit a metrics record.
func (c *AIMDController) adjustHost(host string, w *hostWindow) {
	w.mu.Lock()

	total := w.successes + w.errors
	if total == 0 && len(w.samples) == 0 {
		w.mu.Unlock()
		return
	}

	p50, p95 := percentiles(w.samples)
	var errRate float64
	if total > 0 {
		errRate = float64(w.errors) / float64(total)
	}

	oldLimit := w.limit
	newLimit := oldLimit
	bad := errRate > badErrorRate
	slow := p95 > slowP95 || p50 > slowP50
	if bad || slow {
		newLimit = oldLimit / 2
		if newLimit < c.cfg.MinLimit {
			newLimit = c.cfg.MinLimit
		}
	} else {
		newLimit = oldLimit + 1
		if newLimit > c.cfg.MaxLimit {
			newLimit = c.cfg.MaxLimit
		}
	}

	w.samples = w.samples[:0]
	w.successes = 0
	w.errors = 0
	w.limit = newLimit
	pool := w.pool
	w.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Record(host, p50, p95, errRate, newLimit)
	}

	if newLimit != oldLimit {
		pool.Resize(newLimit)
		l := logger.WithComponent("Fetch/AIMD")
		l.Debug().
			Str("host", host).
			Float64("p50", p50).
			Float64("p95", p95).
			Float64("error_rate", errRate).
			Int("limit", newLimit).
			Msg("Concurrency limit adjusted.")
	}
}

// percentiles returns (p50, p95) of the sample set: p50 at the median index,
// p95 at ceil(0.95*n)-1 floored at zero.
func percentiles(samples []float64) (float64, float64) {
	n := len(samples)
	if n == 0 {
		return 0, 0
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	p50 := sorted[n/2]
	idx95 := int(math.Ceil(0.95*float64(n))) - 1
	if idx95 < 0 {
		idx95 = 0
	}
	return p50, sorted[idx95]
}
