// Package sched owns the scheduler loop: it evaluates per-job schedules
// on a coarse tick, rate-limits dispatch, and hands due jobs to the
// runner as fire-and-forget supervised goroutines.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"mediadash/internal/job"
	"mediadash/internal/runtime/supervisor"
	logx "mediadash/pkg/logx"
)

// Dispatcher executes one run of a job to a terminal outcome.
// The scheduler never blocks its tick loop on a dispatch.
type Dispatcher interface {
	Execute(ctx context.Context, def job.Definition) job.RunRecord
}

type entry struct {
	def      job.Definition
	spec     string
	sched    cron.Schedule
	next     time.Time
	lastFire time.Time
	paused   bool
}

// Service is the scheduler loop. Construct with New, add jobs with
// Register, then call Run once. All methods are safe for concurrent use.
type Service struct {
	cfg     Config
	log     logx.Logger
	disp    Dispatcher
	sup     *supervisor.Supervisor
	loc     *time.Location
	limiter *rate.Limiter
	brk     *breaker

	mu       sync.Mutex
	entries  []*entry
	lastTick time.Time
	running  bool
}

func New(cfg Config, log logx.Logger, disp Dispatcher) (*Service, error) {
	cfg = cfg.withDefaults()

	loc := time.Local
	if tz := cfg.Timezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}

	return &Service{
		cfg:     cfg,
		log:     log,
		disp:    disp,
		loc:     loc,
		limiter: rate.NewLimiter(rate.Limit(cfg.DispatchPerSec), cfg.DispatchBurst),
		brk:     newBreaker(cfg),
	}, nil
}

// Register adds one job definition. Returns an error when the schedule
// string does not parse; registration is rejected, not repaired.
func (s *Service) Register(def job.Definition) error {
	if def.Name == "" {
		return fmt.Errorf("job name required")
	}

	ps, err := ParseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", def.Name, err)
	}

	var sched cron.Schedule
	switch ps.Kind {
	case SpecCron:
		sched, err = cron.ParseStandard(ps.Cron)
		if err != nil {
			return fmt.Errorf("job %s: invalid cron %q: %w", def.Name, ps.Cron, err)
		}
	case SpecInterval:
		sched = cron.Every(ps.Every)
	default:
		return fmt.Errorf("job %s: unsupported schedule kind", def.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.def.Name == def.Name {
			return fmt.Errorf("job %s: already registered", def.Name)
		}
	}
	s.entries = append(s.entries, &entry{def: def, spec: def.Schedule, sched: sched})
	return nil
}

// Pause marks a job so the loop skips it; its next-due time keeps
// advancing so resuming does not fire a backlog.
func (s *Service) Pause(name string, paused bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.def.Name == name {
			e.paused = paused
			return true
		}
	}
	return false
}

// Run starts the tick loop on the supervisor and returns immediately.
func (s *Service) Run(sup *supervisor.Supervisor) {
	s.sup = sup
	if !s.cfg.Enabled {
		if !s.log.IsZero() {
			s.log.Info("scheduler disabled")
		}
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	now := time.Now().In(s.loc)
	for _, e := range s.entries {
		e.next = e.sched.Next(now)
	}
	n := len(s.entries)
	s.mu.Unlock()

	if !s.log.IsZero() {
		s.log.Info("scheduler started",
			logx.Int("jobs", n),
			logx.Duration("tick", s.cfg.Tick),
			logx.String("timezone", s.loc.String()))
	}

	s.sup.GoRestart("sched.loop", func(ctx context.Context) error {
		ticker := time.NewTicker(s.cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				s.tick(ctx, time.Now().In(s.loc))
			}
		}
	})
}

// tick fires every entry whose next-due time has passed. Missed windows
// collapse into a single fire: next is always computed from now, never
// from the missed slot.
func (s *Service) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.lastTick = now

	var due []*entry
	for _, e := range s.entries {
		if e.paused || e.next.IsZero() || now.Before(e.next) {
			continue
		}
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		if open, until := s.brk.isOpen(now, e.def.Name); open {
			if !s.log.IsZero() {
				s.log.Debug("circuit open, skipping fire",
					logx.String("job", e.def.Name),
					logx.Time("until", until))
			}
			s.advance(e, now)
			continue
		}

		// When the dispatch budget is exhausted, leave next unchanged so
		// the entry fires on a later tick instead of losing the window.
		if !s.limiter.Allow() {
			if !s.log.IsZero() {
				s.log.Debug("dispatch rate limited", logx.String("job", e.def.Name))
			}
			continue
		}

		s.advance(e, now)
		def := e.def
		s.sup.Go0("job."+def.Name, func(ctx context.Context) {
			rec := s.disp.Execute(ctx, def)
			s.brk.record(rec.Ended, def.Name, failedRun(rec))
		})
	}
}

func (s *Service) advance(e *entry, now time.Time) {
	s.mu.Lock()
	e.lastFire = now
	e.next = e.sched.Next(now)
	s.mu.Unlock()
}

// failedRun reports whether a record should count against the breaker.
// Skips are back-pressure, not failures.
func failedRun(rec job.RunRecord) bool {
	switch rec.Outcome {
	case job.OutcomeFailed, job.OutcomeTimedOut:
		return rec.Reason != job.ReasonShutdown
	}
	return false
}

// LastTick returns the time of the most recent loop pass.
func (s *Service) LastTick() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTick
}

// SnapshotNow returns a point-in-time view for the ops endpoint.
func (s *Service) SnapshotNow() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Timezone: s.loc.String(),
		LastTick: s.lastTick,
		Entries:  make([]EntrySnapshot, 0, len(s.entries)),
	}
	for _, e := range s.entries {
		snap.Entries = append(snap.Entries, EntrySnapshot{
			Job:      e.def.Name,
			Schedule: e.spec,
			Next:     e.next,
			LastFire: e.lastFire,
			Paused:   e.paused,
		})
	}
	return snap
}

// OpenCircuits reports how many jobs are currently held open by the breaker.
func (s *Service) OpenCircuits() int { return s.brk.openCount(time.Now()) }
