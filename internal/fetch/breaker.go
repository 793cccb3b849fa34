package fetch

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker suppresses requests to a host after consecutive failures.
// After recoveryTimeout has elapsed past the failure that tripped it, the next
// IsOpen check flips to half-open and allows exactly one trial request; a
// recorded success closes the breaker, a failure re-trips it.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            breakerState
	failureCount     int
	failureThreshold int
	recoveryTimeout  time.Duration
	lastFailure      time.Time
	now              func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		now:              time.Now,
	}
}

// IsOpen reports whether requests should be suppressed. When the recovery
// timeout has elapsed it transitions to half-open and reports false once,
// admitting a single probe.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateOpen {
		if cb.now().Sub(cb.lastFailure) >= cb.recoveryTimeout {
			cb.state = stateHalfOpen
			return false
		}
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.state = stateClosed
}

// RecordFailure counts a failure and trips the breaker at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.now()
	if cb.failureCount >= cb.failureThreshold {
		cb.state = stateOpen
	}
}

// CircuitBreakerManager lazily creates one breaker per host, all sharing the
// same thresholds.
type CircuitBreakerManager struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	mu               sync.Mutex
	breakers         map[string]*CircuitBreaker
}

func NewCircuitBreakerManager(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		breakers:         make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for host, creating it on first use.
func (m *CircuitBreakerManager) Get(host string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(m.failureThreshold, m.recoveryTimeout)
		m.breakers[host] = cb
	}
	return cb
}
