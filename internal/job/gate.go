package job

import (
	"strings"
	"sync"
)

// Gate is the per-job-name concurrency guard.
//
// Limits are fixed at load time (from each job's ResourcePolicy); unknown
// names default to 1. One job's backlog never touches another name's slot:
// the map lock is held only for counter bookkeeping, never across a run.
type Gate struct {
	mu    sync.Mutex
	slots map[string]*gateSlot
}

type gateSlot struct {
	limit    int
	inflight int
}

func NewGate() *Gate {
	return &Gate{slots: map[string]*gateSlot{}}
}

// SetLimit fixes the concurrency limit for a job name. Non-positive limits
// are clamped to 1. If the name was already registered the first limit wins,
// mirroring the no-unsafe-runtime-resizing rule for semaphores.
func (g *Gate) SetLimit(name string, limit int) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if limit <= 0 {
		limit = 1
	}
	g.mu.Lock()
	if _, ok := g.slots[name]; !ok {
		g.slots[name] = &gateSlot{limit: limit}
	}
	g.mu.Unlock()
}

// TryAcquire admits or rejects a run for the job name. On admission the
// returned Permit must be released exactly once; Release is Once-guarded so
// calling it from multiple termination paths is safe.
func (g *Gate) TryAcquire(name string) (*Permit, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.slots[name]
	if s == nil {
		s = &gateSlot{limit: 1}
		g.slots[name] = s
	}
	if s.inflight >= s.limit {
		return nil, false
	}
	s.inflight++
	return &Permit{gate: g, name: name}, true
}

// InFlight reports the current admitted-run count for a job name.
func (g *Gate) InFlight(name string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.slots[name]
	if s == nil {
		return 0
	}
	return s.inflight
}

// Permit is one admitted slot of the gate.
type Permit struct {
	gate *Gate
	name string
	once sync.Once
}

// Release frees the slot. Idempotent: only the first call decrements.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.gate.mu.Lock()
		if s := p.gate.slots[p.name]; s != nil && s.inflight > 0 {
			s.inflight--
		}
		p.gate.mu.Unlock()
	})
}
