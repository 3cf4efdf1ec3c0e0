package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"mediadash/internal/job"
	"mediadash/internal/runtime/supervisor"
	logx "mediadash/pkg/logx"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	runs    []string
	outcome job.Outcome
}

func (d *recordingDispatcher) Execute(ctx context.Context, def job.Definition) job.RunRecord {
	d.mu.Lock()
	d.runs = append(d.runs, def.Name)
	d.mu.Unlock()
	out := d.outcome
	if out == "" {
		out = job.OutcomeSucceeded
	}
	now := time.Now()
	return job.RunRecord{Job: def.Name, Started: now, Ended: now, Outcome: out}
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runs)
}

func testService(t *testing.T, cfg Config, disp Dispatcher) *Service {
	t.Helper()
	if cfg.DispatchPerSec == 0 {
		cfg.DispatchPerSec = 100
	}
	if cfg.DispatchBurst == 0 {
		cfg.DispatchBurst = 10
	}
	cfg.Enabled = true
	s, err := New(cfg, logx.Nop(), disp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// forceDue rewinds an entry's next-due time so the next tick fires it.
func forceDue(s *Service, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.def.Name == name {
			e.next = time.Now().Add(-time.Second)
		}
	}
}

func waitDispatches(t *testing.T, s *Service, sup *supervisor.Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil && err != context.DeadlineExceeded {
		t.Fatalf("supervisor stop: %v", err)
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := testService(t, Config{}, &recordingDispatcher{})

	if err := s.Register(job.Definition{Name: "", Schedule: "1m"}); err == nil {
		t.Fatal("expected error for missing name")
	}
	if err := s.Register(job.Definition{Name: "a", Schedule: "bogus spec here no"}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if err := s.Register(job.Definition{Name: "a", Schedule: "1m"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(job.Definition{Name: "a", Schedule: "2m"}); err == nil {
		t.Fatal("expected error for duplicate name")
	}
}

func TestTickFiresDueEntries(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	s := testService(t, Config{}, disp)
	if err := s.Register(job.Definition{Name: "sync", Schedule: "1m"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sup := supervisor.New(context.Background())
	s.sup = sup
	forceDue(s, "sync")

	now := time.Now()
	s.tick(context.Background(), now)
	waitDispatches(t, s, sup)

	if got := disp.count(); got != 1 {
		t.Fatalf("dispatched %d runs, want 1", got)
	}

	snap := s.SnapshotNow()
	if len(snap.Entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(snap.Entries))
	}
	if !snap.Entries[0].Next.After(now) {
		t.Fatalf("next %v not advanced past %v", snap.Entries[0].Next, now)
	}
	if snap.LastTick.IsZero() {
		t.Fatal("LastTick not recorded")
	}
}

func TestTickSkipsPausedEntries(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	s := testService(t, Config{}, disp)
	if err := s.Register(job.Definition{Name: "sync", Schedule: "1m"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !s.Pause("sync", true) {
		t.Fatal("Pause returned false for known job")
	}

	sup := supervisor.New(context.Background())
	s.sup = sup
	forceDue(s, "sync")
	s.tick(context.Background(), time.Now())
	waitDispatches(t, s, sup)

	if got := disp.count(); got != 0 {
		t.Fatalf("paused entry dispatched %d runs", got)
	}
}

func TestTickRateLimitKeepsWindow(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	// Burst of one: the second due entry must wait for a later tick.
	s := testService(t, Config{DispatchPerSec: 0.001, DispatchBurst: 1}, disp)
	for _, name := range []string{"a", "b"} {
		if err := s.Register(job.Definition{Name: name, Schedule: "1m"}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	sup := supervisor.New(context.Background())
	s.sup = sup
	forceDue(s, "a")
	forceDue(s, "b")

	now := time.Now()
	s.tick(context.Background(), now)
	waitDispatches(t, s, sup)

	if got := disp.count(); got != 1 {
		t.Fatalf("dispatched %d runs, want 1", got)
	}

	// Exactly one entry advanced; the limited one keeps its due time.
	snap := s.SnapshotNow()
	var advanced, held int
	for _, e := range snap.Entries {
		if e.Next.After(now) {
			advanced++
		} else {
			held++
		}
	}
	if advanced != 1 || held != 1 {
		t.Fatalf("advanced=%d held=%d, want 1/1", advanced, held)
	}
}

func TestTickHonorsOpenCircuit(t *testing.T) {
	t.Parallel()
	disp := &recordingDispatcher{}
	s := testService(t, Config{BreakerThreshold: 1, BreakerCooldown: time.Minute, BreakerMax: time.Minute}, disp)
	if err := s.Register(job.Definition{Name: "sync", Schedule: "1m"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	now := time.Now()
	s.brk.record(now, "sync", true)

	sup := supervisor.New(context.Background())
	s.sup = sup
	forceDue(s, "sync")
	s.tick(context.Background(), now)
	waitDispatches(t, s, sup)

	if got := disp.count(); got != 0 {
		t.Fatalf("open circuit dispatched %d runs", got)
	}
	// The window advances so the backlog doesn't burst when it closes.
	snap := s.SnapshotNow()
	if !snap.Entries[0].Next.After(now) {
		t.Fatal("next not advanced while circuit open")
	}
	if s.OpenCircuits() != 1 {
		t.Fatalf("OpenCircuits = %d, want 1", s.OpenCircuits())
	}
}

func TestFailedRunClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		rec  job.RunRecord
		want bool
	}{
		{job.RunRecord{Outcome: job.OutcomeSucceeded}, false},
		{job.RunRecord{Outcome: job.OutcomeFailed, Reason: job.ReasonExitStatus}, true},
		{job.RunRecord{Outcome: job.OutcomeTimedOut, Reason: job.ReasonTimeout}, true},
		{job.RunRecord{Outcome: job.OutcomeFailed, Reason: job.ReasonShutdown}, false},
		{job.RunRecord{Outcome: job.OutcomeSkippedConcurrent, Reason: job.ReasonConcurrent}, false},
	}
	for _, tc := range cases {
		if got := failedRun(tc.rec); got != tc.want {
			t.Fatalf("failedRun(%s/%s) = %v, want %v", tc.rec.Outcome, tc.rec.Reason, got, tc.want)
		}
	}
}
