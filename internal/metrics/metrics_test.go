package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorCounts(t *testing.T) {
	t.Parallel()
	c := NewCollector(prometheus.NewRegistry())

	c.RunStarted("sync")
	c.RunFinished("sync", "success", 2*time.Second)
	c.RunStarted("sync")
	c.RunFinished("sync", "failed", time.Second)
	c.RunStarted("probe")
	c.RunFinished("probe", "timed_out", 30*time.Second)

	snap := c.SnapshotNow()
	if snap.Started != 3 {
		t.Fatalf("Started = %d, want 3", snap.Started)
	}
	if snap.InFlight != 0 {
		t.Fatalf("InFlight = %d, want 0", snap.InFlight)
	}

	sync := snap.PerJob["sync"]
	if sync.Succeeded != 1 || sync.Failed != 1 {
		t.Fatalf("sync counts = %+v", sync)
	}
	if sync.LastOutcome != "failed" {
		t.Fatalf("sync LastOutcome = %q, want failed", sync.LastOutcome)
	}
	if sync.LastRun.IsZero() {
		t.Fatal("sync LastRun not set")
	}

	probe := snap.PerJob["probe"]
	if probe.TimedOut != 1 || probe.LastOutcome != "timed_out" {
		t.Fatalf("probe counts = %+v", probe)
	}
}

func TestCollectorInFlight(t *testing.T) {
	t.Parallel()
	c := NewCollector(prometheus.NewRegistry())

	c.RunStarted("sync")
	c.RunStarted("sync")
	if got := c.SnapshotNow().InFlight; got != 2 {
		t.Fatalf("InFlight = %d, want 2", got)
	}
	c.RunFinished("sync", "success", time.Second)
	if got := c.SnapshotNow().InFlight; got != 1 {
		t.Fatalf("InFlight = %d, want 1", got)
	}
}

func TestCollectorSkippedNeverRan(t *testing.T) {
	t.Parallel()
	c := NewCollector(prometheus.NewRegistry())

	c.RunStarted("sync")
	// A skipped run was rejected at the gate; it never incremented the
	// in-flight gauge and must not decrement it.
	c.RunFinished("sync", "skipped_concurrent", 0)

	snap := c.SnapshotNow()
	if snap.InFlight != 1 {
		t.Fatalf("InFlight = %d, want 1", snap.InFlight)
	}
	if got := snap.PerJob["sync"].Skipped; got != 1 {
		t.Fatalf("Skipped = %d, want 1", got)
	}
}

func TestRequestAndErrorCounters(t *testing.T) {
	t.Parallel()
	c := NewCollector(prometheus.NewRegistry())

	c.RequestServed("/healthz", 200)
	c.RequestServed("/runs", 400)
	c.RequestServed("/runs", 500)
	c.RequestServed("/healthz", 503)

	snap := c.SnapshotNow()
	if snap.Requests != 4 {
		t.Fatalf("Requests = %d, want 4", snap.Requests)
	}
	// Client errors are handled requests, not observed errors.
	if snap.Errors != 2 {
		t.Fatalf("Errors = %d, want 2", snap.Errors)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()
	c := NewCollector(prometheus.NewRegistry())
	c.RunStarted("sync")
	c.RunFinished("sync", "success", time.Second)

	snap := c.SnapshotNow()
	jc := snap.PerJob["sync"]
	jc.Succeeded = 99
	snap.PerJob["sync"] = jc

	if got := c.SnapshotNow().PerJob["sync"].Succeeded; got != 1 {
		t.Fatalf("snapshot mutation leaked into collector: Succeeded = %d", got)
	}
}

func TestNilRegistererTolerated(t *testing.T) {
	t.Parallel()
	c := NewCollector(nil)
	c.RunStarted("sync")
	c.RunFinished("sync", "success", time.Second)
	if got := c.SnapshotNow().Started; got != 1 {
		t.Fatalf("Started = %d, want 1", got)
	}
}
