package fetch

import (
	"testing"
	"time"
)

func TestRateLimiter_ConsumesBurstThenDenies(t *testing.T) {
	rl := NewRateLimiter(2) // burst of 2

	if !rl.IsAllowed("h.example") {
		t.Fatal("first request should be allowed")
	}
	if !rl.IsAllowed("h.example") {
		t.Fatal("second request should fit the burst")
	}
	if rl.IsAllowed("h.example") {
		t.Fatal("third immediate request should be denied")
	}

	if wait := rl.GetWaitTime("h.example"); wait <= 0 || wait > time.Second {
		t.Fatalf("denied caller should get a bounded wait, got %v", wait)
	}
}

func TestRateLimiter_HostsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1)
	if !rl.IsAllowed("a.example") {
		t.Fatal("a.example should be allowed")
	}
	if !rl.IsAllowed("b.example") {
		t.Fatal("b.example has its own bucket")
	}
	if rl.IsAllowed("a.example") {
		t.Fatal("a.example bucket should be drained")
	}
}
