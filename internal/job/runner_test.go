//go:build unix

package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	logx "mediadash/pkg/logx"
)

// scriptSpawner shells out instead of re-execing the daemon binary, so
// runner behavior is testable without a built worker.
type scriptSpawner struct{ script string }

func (s scriptSpawner) Command(def Definition) (*exec.Cmd, error) {
	return exec.Command("/bin/sh", "-c", s.script), nil
}

type errSpawner struct{}

func (errSpawner) Command(Definition) (*exec.Cmd, error) {
	return nil, errors.New("worker binary missing")
}

func testRunner(spawn Spawner) *Runner {
	return NewRunner(RunnerConfig{
		Grace:       200 * time.Millisecond,
		HistorySize: 16,
	}, NewGate(), spawn, nil, nil, logx.Nop())
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	r := testRunner(scriptSpawner{script: "exit 0"})

	rec := r.Execute(context.Background(), Definition{Name: "ok"})
	if rec.Outcome != OutcomeSucceeded {
		t.Fatalf("Outcome = %s (%s: %s), want %s", rec.Outcome, rec.Reason, rec.Detail, OutcomeSucceeded)
	}
	if rec.ID == "" || rec.Ended.Before(rec.Started) {
		t.Fatalf("malformed record: %+v", rec)
	}
	if n := r.Gate().InFlight("ok"); n != 0 {
		t.Fatalf("gate slot leaked: inflight = %d", n)
	}
}

func TestExecuteFailureCapturesStderr(t *testing.T) {
	t.Parallel()
	r := testRunner(scriptSpawner{script: "echo boom >&2; exit 3"})

	rec := r.Execute(context.Background(), Definition{Name: "bad"})
	if rec.Outcome != OutcomeFailed || rec.Reason != ReasonExitStatus {
		t.Fatalf("got %s/%s, want %s/%s", rec.Outcome, rec.Reason, OutcomeFailed, ReasonExitStatus)
	}
	if !strings.Contains(rec.Detail, "exit 3") {
		t.Fatalf("Detail %q missing exit code", rec.Detail)
	}
	if !strings.Contains(rec.Detail, "boom") {
		t.Fatalf("Detail %q missing stderr summary", rec.Detail)
	}
}

func TestExecuteTimeoutKillsWorker(t *testing.T) {
	t.Parallel()
	r := testRunner(scriptSpawner{script: "sleep 10"})

	start := time.Now()
	rec := r.Execute(context.Background(), Definition{
		Name:   "slow",
		Policy: ResourcePolicy{Timeout: 100 * time.Millisecond},
	})
	if rec.Outcome != OutcomeTimedOut || rec.Reason != ReasonTimeout {
		t.Fatalf("got %s/%s, want %s/%s", rec.Outcome, rec.Reason, OutcomeTimedOut, ReasonTimeout)
	}
	// 100ms ceiling + 200ms grace + 200ms pipe-wait bound; anything past
	// a second means the kill never landed.
	if took := time.Since(start); took > time.Second {
		t.Fatalf("run lingered %v after timeout", took)
	}
	if n := r.Gate().InFlight("slow"); n != 0 {
		t.Fatalf("gate slot leaked after timeout: inflight = %d", n)
	}
}

func TestExecuteTimeoutKillsProcessTree(t *testing.T) {
	t.Parallel()
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	// The background sleep inherits the stderr pipe; only a group kill
	// takes it down with the shell.
	r := testRunner(scriptSpawner{script: fmt.Sprintf("sleep 10 & echo $! > %s; wait", pidFile)})

	start := time.Now()
	rec := r.Execute(context.Background(), Definition{
		Name:   "tree",
		Policy: ResourcePolicy{Timeout: 100 * time.Millisecond},
	})
	if rec.Outcome != OutcomeTimedOut || rec.Reason != ReasonTimeout {
		t.Fatalf("got %s/%s, want %s/%s", rec.Outcome, rec.Reason, OutcomeTimedOut, ReasonTimeout)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("run lingered %v after timeout", took)
	}
	if n := r.Gate().InFlight("tree"); n != 0 {
		t.Fatalf("gate slot leaked after timeout: inflight = %d", n)
	}

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read child pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("parse child pid %q: %v", raw, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for syscall.Kill(pid, 0) == nil {
		if time.Now().After(deadline) {
			t.Fatalf("background child %d survived the kill", pid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExecuteZeroTimeoutNeverKills(t *testing.T) {
	t.Parallel()
	r := testRunner(scriptSpawner{script: "sleep 0.2; exit 0"})

	rec := r.Execute(context.Background(), Definition{Name: "unbounded"})
	if rec.Outcome != OutcomeSucceeded {
		t.Fatalf("Outcome = %s (%s), want %s", rec.Outcome, rec.Reason, OutcomeSucceeded)
	}
}

func TestExecuteSkipsWhenSlotBusy(t *testing.T) {
	t.Parallel()
	r := testRunner(scriptSpawner{script: "sleep 1"})
	def := Definition{Name: "overlap"}

	first := make(chan RunRecord, 1)
	go func() { first <- r.Execute(context.Background(), def) }()

	// Wait for the first run to hold the slot.
	deadline := time.Now().Add(2 * time.Second)
	for r.Gate().InFlight("overlap") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first run never acquired the slot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := r.Execute(context.Background(), def)
	if rec.Outcome != OutcomeSkippedConcurrent || rec.Reason != ReasonConcurrent {
		t.Fatalf("got %s/%s, want %s/%s", rec.Outcome, rec.Reason, OutcomeSkippedConcurrent, ReasonConcurrent)
	}

	if got := <-first; got.Outcome != OutcomeSucceeded {
		t.Fatalf("first run outcome = %s, want %s", got.Outcome, OutcomeSucceeded)
	}
	if n := r.Gate().InFlight("overlap"); n != 0 {
		t.Fatalf("gate slot leaked: inflight = %d", n)
	}
}

func TestExecuteSpawnError(t *testing.T) {
	t.Parallel()
	r := testRunner(errSpawner{})

	rec := r.Execute(context.Background(), Definition{Name: "nospawn"})
	if rec.Outcome != OutcomeFailed || rec.Reason != ReasonSpawn {
		t.Fatalf("got %s/%s, want %s/%s", rec.Outcome, rec.Reason, OutcomeFailed, ReasonSpawn)
	}
	if n := r.Gate().InFlight("nospawn"); n != 0 {
		t.Fatalf("gate slot leaked after spawn error: inflight = %d", n)
	}
}

func TestExecuteShutdownCancel(t *testing.T) {
	t.Parallel()
	r := testRunner(scriptSpawner{script: "sleep 10"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	rec := r.Execute(ctx, Definition{Name: "shutdown"})
	if rec.Outcome != OutcomeFailed || rec.Reason != ReasonShutdown {
		t.Fatalf("got %s/%s, want %s/%s", rec.Outcome, rec.Reason, OutcomeFailed, ReasonShutdown)
	}
}

func TestHistoryAndLastRun(t *testing.T) {
	t.Parallel()
	r := testRunner(scriptSpawner{script: "exit 0"})

	r.Execute(context.Background(), Definition{Name: "a"})
	r.Execute(context.Background(), Definition{Name: "b"})

	recent := r.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("Recent = %d records, want 2", len(recent))
	}
	if recent[0].Job != "a" || recent[1].Job != "b" {
		t.Fatalf("unexpected order: %s, %s", recent[0].Job, recent[1].Job)
	}

	last, ok := r.LastRun("b")
	if !ok || last.Job != "b" {
		t.Fatalf("LastRun(b) = %+v, %v", last, ok)
	}
	if _, ok := r.LastRun("missing"); ok {
		t.Fatal("LastRun found a job that never ran")
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	r := NewRunner(RunnerConfig{HistorySize: 3}, NewGate(), scriptSpawner{script: "exit 0"}, nil, nil, logx.Nop())
	for i := 0; i < 6; i++ {
		r.Execute(context.Background(), Definition{Name: "ring"})
	}
	if got := len(r.Recent(0)); got != 3 {
		t.Fatalf("history length = %d, want 3", got)
	}
}
