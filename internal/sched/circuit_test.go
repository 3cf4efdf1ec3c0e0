package sched

import (
	"testing"
	"time"
)

func TestBreakerTripsAfterThreshold(t *testing.T) {
	t.Parallel()
	b := newBreaker(Config{BreakerThreshold: 3, BreakerCooldown: time.Minute, BreakerMax: 10 * time.Minute})
	now := time.Now()

	b.record(now, "sync", true)
	b.record(now, "sync", true)
	if open, _ := b.isOpen(now, "sync"); open {
		t.Fatal("circuit open before threshold")
	}

	b.record(now, "sync", true)
	open, until := b.isOpen(now, "sync")
	if !open {
		t.Fatal("circuit should be open after threshold failures")
	}
	if got := until.Sub(now); got != time.Minute {
		t.Fatalf("cooldown = %v, want %v", got, time.Minute)
	}

	// Cooldown doubles with each failure past the threshold.
	b.record(now, "sync", true)
	_, until = b.isOpen(now, "sync")
	if got := until.Sub(now); got != 2*time.Minute {
		t.Fatalf("cooldown = %v, want %v", got, 2*time.Minute)
	}

	// And it is capped.
	for i := 0; i < 10; i++ {
		b.record(now, "sync", true)
	}
	_, until = b.isOpen(now, "sync")
	if got := until.Sub(now); got != 10*time.Minute {
		t.Fatalf("cooldown = %v, want cap %v", got, 10*time.Minute)
	}
}

func TestBreakerSuccessResets(t *testing.T) {
	t.Parallel()
	b := newBreaker(Config{BreakerThreshold: 2, BreakerCooldown: time.Minute, BreakerMax: 10 * time.Minute})
	now := time.Now()

	b.record(now, "sync", true)
	b.record(now, "sync", true)
	if open, _ := b.isOpen(now, "sync"); !open {
		t.Fatal("circuit should be open")
	}

	b.record(now, "sync", false)
	if open, _ := b.isOpen(now, "sync"); open {
		t.Fatal("success should close the circuit")
	}
	if n := b.openCount(now); n != 0 {
		t.Fatalf("openCount = %d, want 0", n)
	}
}

func TestBreakerDisabled(t *testing.T) {
	t.Parallel()
	b := newBreaker(Config{BreakerThreshold: 0})
	if b != nil {
		t.Fatal("threshold 0 should disable the breaker")
	}
	now := time.Now()
	b.record(now, "sync", true) // nil receiver must be safe
	if open, _ := b.isOpen(now, "sync"); open {
		t.Fatal("disabled breaker can never open")
	}
}

func TestBreakerIsolatesJobs(t *testing.T) {
	t.Parallel()
	b := newBreaker(Config{BreakerThreshold: 1, BreakerCooldown: time.Minute, BreakerMax: time.Minute})
	now := time.Now()

	b.record(now, "a", true)
	if open, _ := b.isOpen(now, "a"); !open {
		t.Fatal("job a should be open")
	}
	if open, _ := b.isOpen(now, "b"); open {
		t.Fatal("job b must be unaffected")
	}
}
