package sched

import (
	"sync"
	"time"
)

// circuitState tracks consecutive failed runs for a single job.
//
// Simple consecutive-failure breaker with cooldown:
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= threshold,
//     opens the circuit for an exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type breaker struct {
	mu        sync.Mutex
	threshold int
	base      time.Duration
	max       time.Duration
	m         map[string]*circuitState
}

func newBreaker(cfg Config) *breaker {
	if cfg.BreakerThreshold <= 0 {
		return nil
	}
	return &breaker{
		threshold: cfg.BreakerThreshold,
		base:      cfg.BreakerCooldown,
		max:       cfg.BreakerMax,
		m:         make(map[string]*circuitState),
	}
}

// isOpen reports whether the circuit for job is open at now, and until when.
func (b *breaker) isOpen(now time.Time, job string) (bool, time.Time) {
	if b == nil {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.m[job]
	if st == nil {
		return false, time.Time{}
	}
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record feeds one run outcome into the breaker.
func (b *breaker) record(now time.Time, job string, failed bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.m[job]
	if st == nil {
		st = &circuitState{}
		b.m[job] = st
	}

	if !failed {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now

	if st.fails < b.threshold {
		return
	}

	// Exponential cooldown after tripping.
	pow := st.fails - b.threshold
	d := b.base
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= b.max {
			d = b.max
			break
		}
	}
	if d > b.max {
		d = b.max
	}
	st.openUntil = now.Add(d)
}

func (b *breaker) openCount(now time.Time) int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	open := 0
	for _, st := range b.m {
		if st != nil && !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return open
}
