package fetch

import (
	"testing"
	"time"
)

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.IsOpen() {
		t.Fatal("breaker opened before reaching the failure threshold")
	}
	cb.RecordFailure()
	if !cb.IsOpen() {
		t.Fatal("breaker did not open after 3 consecutive failures")
	}
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.IsOpen() {
		t.Fatal("failure count was not reset by a success")
	}
	cb.RecordFailure()
	if !cb.IsOpen() {
		t.Fatal("breaker should trip after threshold failures following the reset")
	}
	cb.RecordSuccess()
	if cb.IsOpen() {
		t.Fatal("a recorded success must close the breaker")
	}
}

func TestCircuitBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(2, 30*time.Second)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	cb.RecordFailure()
	if !cb.IsOpen() {
		t.Fatal("breaker should be open")
	}

	// Just before the recovery timeout it stays open.
	now = now.Add(29 * time.Second)
	if !cb.IsOpen() {
		t.Fatal("breaker reported closed before recovery timeout elapsed")
	}

	// Past the timeout, the next check admits exactly one probe.
	now = now.Add(2 * time.Second)
	if cb.IsOpen() {
		t.Fatal("breaker should transition to half-open and admit one probe")
	}

	// A failure while half-open re-trips via the unreset failure count.
	cb.RecordFailure()
	if !cb.IsOpen() {
		t.Fatal("a half-open failure must re-trip the breaker")
	}
}

func TestCircuitBreakerManager_PerHost(t *testing.T) {
	m := NewCircuitBreakerManager(1, time.Minute)
	m.Get("a.example").RecordFailure()

	if !m.Get("a.example").IsOpen() {
		t.Fatal("breaker for a.example should be open")
	}
	if m.Get("b.example").IsOpen() {
		t.Fatal("breaker state leaked between hosts")
	}
	if m.Get("a.example") != m.Get("a.example") {
		t.Fatal("manager should cache one breaker per host")
	}
}
