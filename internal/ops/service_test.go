package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mediadash/internal/health"
	"mediadash/internal/job"
	"mediadash/internal/metrics"
	"mediadash/internal/sched"
	logx "mediadash/pkg/logx"
)

func testMux(t *testing.T, cfg Config, prov Providers) *http.ServeMux {
	t.Helper()
	return New(cfg, prov, logx.Nop()).buildMux(cfg)
}

func TestHealthzStatusCodes(t *testing.T) {
	t.Parallel()
	status := "ok"
	mux := testMux(t, Config{}, Providers{
		Health: func() health.Snapshot { return health.Snapshot{Status: status} },
		Sched:  func() sched.Snapshot { return sched.Snapshot{Enabled: true} },
	})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("ok status code = %d", rr.Code)
	}
	var body struct {
		Status    string          `json:"status"`
		Scheduler *sched.Snapshot `json:"scheduler"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Scheduler == nil || !body.Scheduler.Enabled {
		t.Fatalf("body = %+v", body)
	}

	status = "degraded"
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status code = %d, want 503", rr.Code)
	}
}

func TestRunsEndpoint(t *testing.T) {
	t.Parallel()
	var gotJob string
	var gotLimit int
	mux := testMux(t, Config{}, Providers{
		Runs: func(ctx context.Context, jobName string, limit int) ([]job.RunRecord, error) {
			gotJob, gotLimit = jobName, limit
			return []job.RunRecord{{ID: "r1", Job: "sync", Outcome: job.OutcomeSucceeded, Started: time.Now()}}, nil
		},
	})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs?job=sync&limit=10", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if gotJob != "sync" || gotLimit != 10 {
		t.Fatalf("provider saw job=%q limit=%d", gotJob, gotLimit)
	}
	var recs []job.RunRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "r1" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestRunsLimitValidation(t *testing.T) {
	t.Parallel()
	mux := testMux(t, Config{}, Providers{
		Runs: func(ctx context.Context, jobName string, limit int) ([]job.RunRecord, error) {
			return nil, nil
		},
	})
	for _, q := range []string{"limit=0", "limit=-1", "limit=1001", "limit=ten"} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs?"+q, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", q, rr.Code)
		}
	}
}

func TestRunsDisabled(t *testing.T) {
	t.Parallel()
	mux := testMux(t, Config{}, Providers{})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/runs", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestJobsEndpoint(t *testing.T) {
	t.Parallel()
	mux := testMux(t, Config{}, Providers{
		Sched: func() sched.Snapshot {
			return sched.Snapshot{Enabled: true, Entries: []sched.EntrySnapshot{{Job: "sync", Schedule: "@hourly"}}}
		},
	})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var snap sched.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].Job != "sync" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()
	cfg := Config{Token: "s3cret"}
	mux := testMux(t, cfg, Providers{
		Health: func() health.Snapshot { return health.Snapshot{Status: "ok"} },
	})

	cases := []struct {
		name   string
		build  func() *http.Request
		status int
	}{
		{"no credentials", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/healthz", nil)
		}, http.StatusUnauthorized},
		{"bearer ok", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			r.Header.Set("Authorization", "Bearer s3cret")
			return r
		}, http.StatusOK},
		{"bearer wrong", func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			r.Header.Set("Authorization", "Bearer nope")
			return r
		}, http.StatusUnauthorized},
		{"query ok", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/healthz?token=s3cret", nil)
		}, http.StatusOK},
		{"query wrong", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/healthz?token=nope", nil)
		}, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, tc.build())
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d", rr.Code, tc.status)
			}
		})
	}
}

func TestRequestObservation(t *testing.T) {
	t.Parallel()
	type hit struct {
		path   string
		status int
	}
	var hits []hit
	status := "ok"
	mux := testMux(t, Config{Token: "s3cret"}, Providers{
		Health:  func() health.Snapshot { return health.Snapshot{Status: status} },
		Request: func(path string, code int) { hits = append(hits, hit{path, code}) },
	})

	serve := func(target, auth string) {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		if auth != "" {
			r.Header.Set("Authorization", auth)
		}
		mux.ServeHTTP(httptest.NewRecorder(), r)
	}

	serve("/healthz", "Bearer s3cret")
	serve("/healthz", "") // rejected, still a handled request
	status = "degraded"
	serve("/healthz", "Bearer s3cret")

	want := []hit{
		{"/healthz", http.StatusOK},
		{"/healthz", http.StatusUnauthorized},
		{"/healthz", http.StatusServiceUnavailable},
	}
	if len(hits) != len(want) {
		t.Fatalf("hits = %+v, want %+v", hits, want)
	}
	for i := range want {
		if hits[i] != want[i] {
			t.Fatalf("hit[%d] = %+v, want %+v", i, hits[i], want[i])
		}
	}
}

func TestMetricsExposed(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	coll := metrics.NewCollector(reg)
	coll.RunStarted("sync")
	coll.RunFinished("sync", "success", time.Second)

	mux := testMux(t, Config{}, Providers{Gatherer: reg})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, "mediadash_runs_started_total") {
		t.Fatalf("scrape missing run counter:\n%s", body)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:8787": true,
		"localhost:8787": true,
		"[::1]:8787":     true,
		"0.0.0.0:8787":   false,
		":8787":          false,
		"10.0.0.5:8787":  false,
		"bogus":          false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestStartRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Providers{}, logx.Nop())
	s.Start(context.Background())
	s.mu.Lock()
	running := s.srv != nil
	s.mu.Unlock()
	if running {
		t.Cleanup(func() { s.Stop(context.Background()) })
		t.Fatal("server started on non-loopback addr without token")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Providers{
		Health: func() health.Snapshot { return health.Snapshot{Status: "ok"} },
	}, logx.Nop())
	s.Start(context.Background())

	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		t.Fatal("listener not created")
	}

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	s.mu.Lock()
	stopped := s.srv == nil
	s.mu.Unlock()
	if !stopped {
		t.Fatal("server still registered after Stop")
	}
}
