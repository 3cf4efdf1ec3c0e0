// Package health runs periodic dependency checks and folds them into a
// single ok/degraded status for the ops endpoint and the systemd
// watchdog.
package health

import (
	"context"
	"sync"
	"time"

	"mediadash/internal/runtime/supervisor"
	logx "mediadash/pkg/logx"
)

// CheckFunc probes one dependency. It returns a short free-form status
// string ("ok", "idle", a detail) and an error when the dependency is
// unhealthy.
type CheckFunc func(ctx context.Context) (string, error)

// DepStatus is the last observed state of one registered check.
type DepStatus struct {
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	Checked time.Time `json:"checked"`
}

// Snapshot is the folded view of all checks.
type Snapshot struct {
	Status    string               `json:"status"` // "ok" | "degraded"
	LastCheck time.Time            `json:"last_check"`
	Deps      map[string]DepStatus `json:"deps"`
}

type check struct {
	name     string
	critical bool
	fn       CheckFunc
}

// Config controls the check loop.
type Config struct {
	Interval     time.Duration `json:"interval"`
	CheckTimeout time.Duration `json:"check_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
	return c
}

// Service owns the registered checks and the loop that evaluates them.
type Service struct {
	cfg Config
	log logx.Logger

	mu        sync.Mutex
	checks    []check
	deps      map[string]DepStatus
	lastCheck time.Time
	degraded  bool
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg:  cfg.withDefaults(),
		log:  log,
		deps: make(map[string]DepStatus),
	}
}

// Register adds a named check. Critical checks flip the folded status
// to degraded on failure; non-critical ones only surface in Deps.
func (s *Service) Register(name string, critical bool, fn CheckFunc) {
	if name == "" || fn == nil {
		return
	}
	s.mu.Lock()
	s.checks = append(s.checks, check{name: name, critical: critical, fn: fn})
	s.mu.Unlock()
}

// Run starts the check loop on the supervisor. One evaluation runs
// immediately so the first snapshot is never empty.
func (s *Service) Run(sup *supervisor.Supervisor) {
	sup.GoRestart("health.loop", func(ctx context.Context) error {
		s.evaluate(ctx)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				s.evaluate(ctx)
			}
		}
	})
}

func (s *Service) evaluate(ctx context.Context) {
	s.mu.Lock()
	checks := make([]check, len(s.checks))
	copy(checks, s.checks)
	s.mu.Unlock()

	now := time.Now()
	degraded := false
	results := make(map[string]DepStatus, len(checks))

	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
		status, err := c.fn(cctx)
		cancel()

		ds := DepStatus{Status: status, Checked: now}
		if err != nil {
			if ds.Status == "" {
				ds.Status = "error"
			}
			ds.Error = err.Error()
			if c.critical {
				degraded = true
			}
			if !s.log.IsZero() {
				s.log.Warn("health check failed",
					logx.String("check", c.name),
					logx.Bool("critical", c.critical),
					logx.Err(err))
			}
		} else if ds.Status == "" {
			ds.Status = "ok"
		}
		results[c.name] = ds
	}

	s.mu.Lock()
	s.lastCheck = now
	s.degraded = degraded
	for k, v := range results {
		s.deps[k] = v
	}
	s.mu.Unlock()
}

// Healthy reports the folded status; used to decide whether to pet the
// systemd watchdog.
func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.degraded
}

// SnapshotNow returns a copy of the current check states.
func (s *Service) SnapshotNow() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Status:    "ok",
		LastCheck: s.lastCheck,
		Deps:      make(map[string]DepStatus, len(s.deps)),
	}
	if s.degraded {
		snap.Status = "degraded"
	}
	for k, v := range s.deps {
		snap.Deps[k] = v
	}
	return snap
}
