package fetch

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles outgoing requests per host with independent token
// buckets. Buckets refill continuously at requestsPerSecond and hold at most
// one second worth of burst. State is in-memory for the life of the process.
type RateLimiter struct {
	rps     float64
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing requestsPerSecond per host.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &RateLimiter{
		rps:     requestsPerSecond,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) bucket(host string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[host]
	if !ok {
		burst := int(math.Ceil(rl.rps))
		if burst < 1 {
			burst = 1
		}
		b = rate.NewLimiter(rate.Limit(rl.rps), burst)
		rl.buckets[host] = b
	}
	return b
}

// IsAllowed consumes one token for host if available.
func (rl *RateLimiter) IsAllowed(host string) bool {
	return rl.bucket(host).Allow()
}

// GetWaitTime reports how long a denied caller should wait before retrying.
func (rl *RateLimiter) GetWaitTime(host string) time.Duration {
	r := rl.bucket(host).Reserve()
	d := r.Delay()
	r.Cancel()
	return d
}
