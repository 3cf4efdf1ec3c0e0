// Package metrics aggregates run outcomes for the ops surface: a
// Prometheus collector for scrapes plus an in-process snapshot for the
// health endpoint.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// JobCounts is the per-job aggregate exposed by Snapshot.
type JobCounts struct {
	Succeeded   uint64    `json:"succeeded"`
	Failed      uint64    `json:"failed"`
	TimedOut    uint64    `json:"timed_out"`
	Skipped     uint64    `json:"skipped"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	LastRun     time.Time `json:"last_run,omitempty"`
}

// Snapshot is a point-in-time aggregate of all runs since start.
//
// There is no per-job backlog field: dispatch is fire-and-forget, a due
// job either runs or is skipped on its tick, so queue depth is always
// zero.
type Snapshot struct {
	Started  uint64               `json:"started"`
	InFlight int64                `json:"in_flight"`
	Requests uint64               `json:"requests"`
	Errors   uint64               `json:"errors"`
	PerJob   map[string]JobCounts `json:"per_job"`
}

// Collector implements the runner's MetricsRecorder and registers the
// Prometheus series on the given registerer.
type Collector struct {
	runsStarted *prometheus.CounterVec
	runsDone    *prometheus.CounterVec
	inFlight    prometheus.Gauge
	runSeconds  *prometheus.HistogramVec
	httpServed  *prometheus.CounterVec
	httpErrors  prometheus.Counter

	mu       sync.Mutex
	started  uint64
	inflight int64
	requests uint64
	errors   uint64
	perJob   map[string]*JobCounts
}

// NewCollector builds and registers the collector. Pass
// prometheus.NewRegistry() in tests to avoid global-registry collisions.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediadash",
			Name:      "runs_started_total",
			Help:      "Job runs admitted past the concurrency gate.",
		}, []string{"job"}),
		runsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediadash",
			Name:      "runs_finished_total",
			Help:      "Job runs reaching a terminal outcome.",
		}, []string{"job", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mediadash",
			Name:      "runs_in_flight",
			Help:      "Job runs currently executing.",
		}),
		runSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mediadash",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of finished runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"job"}),
		httpServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediadash",
			Name:      "http_requests_total",
			Help:      "Requests handled by the ops HTTP surface.",
		}, []string{"path"}),
		httpErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediadash",
			Name:      "http_errors_total",
			Help:      "Ops HTTP responses with a 5xx status.",
		}),
		perJob: make(map[string]*JobCounts),
	}
	if reg != nil {
		reg.MustRegister(c.runsStarted, c.runsDone, c.inFlight, c.runSeconds, c.httpServed, c.httpErrors)
	}
	return c
}

// RequestServed records one handled ops request; 5xx statuses count as
// observed errors.
func (c *Collector) RequestServed(path string, status int) {
	c.httpServed.WithLabelValues(path).Inc()
	isErr := status >= 500
	if isErr {
		c.httpErrors.Inc()
	}

	c.mu.Lock()
	c.requests++
	if isErr {
		c.errors++
	}
	c.mu.Unlock()
}

// RunStarted records admission of one run.
func (c *Collector) RunStarted(job string) {
	c.runsStarted.WithLabelValues(job).Inc()
	c.inFlight.Inc()

	c.mu.Lock()
	c.started++
	c.inflight++
	c.mu.Unlock()
}

// RunFinished records one terminal outcome.
//
// Skipped runs never saw RunStarted, so the in-flight gauge only moves
// for outcomes that had a running worker behind them.
func (c *Collector) RunFinished(job, outcome string, took time.Duration) {
	c.runsDone.WithLabelValues(job, outcome).Inc()

	ran := outcome != "skipped_concurrent"
	if ran {
		c.inFlight.Dec()
		c.runSeconds.WithLabelValues(job).Observe(took.Seconds())
	}

	c.mu.Lock()
	if ran && c.inflight > 0 {
		c.inflight--
	}
	jc := c.perJob[job]
	if jc == nil {
		jc = &JobCounts{}
		c.perJob[job] = jc
	}
	switch outcome {
	case "success":
		jc.Succeeded++
	case "failed":
		jc.Failed++
	case "timed_out":
		jc.TimedOut++
	case "skipped_concurrent":
		jc.Skipped++
	}
	jc.LastOutcome = outcome
	jc.LastRun = time.Now()
	c.mu.Unlock()
}

// SnapshotNow returns a copy of the in-process aggregates.
func (c *Collector) SnapshotNow() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Started:  c.started,
		InFlight: c.inflight,
		Requests: c.requests,
		Errors:   c.errors,
		PerJob:   make(map[string]JobCounts, len(c.perJob)),
	}
	for name, jc := range c.perJob {
		snap.PerJob[name] = *jc
	}
	return snap
}
