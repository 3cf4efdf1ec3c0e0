// Package ops serves the operational HTTP surface: health, Prometheus
// metrics, recent run history and optional pprof.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediadash/internal/health"
	"mediadash/internal/job"
	"mediadash/internal/metrics"
	"mediadash/internal/sched"
	logx "mediadash/pkg/logx"
)

// Config controls the optional ops HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Providers are the data sources behind the endpoints. Nil members
// disable the matching endpoint.
type Providers struct {
	Health   func() health.Snapshot
	Sched    func() sched.Snapshot
	Counters func() metrics.Snapshot
	Runs     func(ctx context.Context, jobName string, limit int) ([]job.RunRecord, error)
	Gatherer prometheus.Gatherer

	// Request receives one (path, status) per handled request, including
	// rejected ones. Feeds the request/error counters.
	Request func(path string, status int)
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	prov Providers

	ln       net.Listener
	srv      *http.Server
	stopDone chan struct{}
}

func New(cfg Config, prov Providers, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, prov: prov, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Reconfigure applies cfg and starts/stops/restarts the server if needed.
// Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}

	if !running {
		s.Start(ctx)
		return
	}

	if needsRestart(prev, cfg) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	if a.Addr != b.Addr {
		return true
	}
	if a.Token != b.Token {
		return true
	}
	if a.AllowInsecure != b.AllowInsecure {
		return true
	}
	if a.Pprof != b.Pprof {
		return true
	}
	// Timeouts affect server behavior; easiest is restart.
	if a.ReadTimeout != b.ReadTimeout || a.WriteTimeout != b.WriteTimeout || a.IdleTimeout != b.IdleTimeout {
		return true
	}
	return false
}

func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		// If already running, do nothing.
		if s.srv != nil {
			s.mu.Unlock()
			return
		}
		// If stop is in progress, wait for it (avoid double listen).
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				// loop
			case <-ctx.Done():
				return
			}
			continue
		}
		cur := s.cfg
		s.mu.Unlock()

		if !cur.Enabled {
			return
		}

		addr := strings.TrimSpace(cur.Addr)
		if addr == "" {
			addr = "127.0.0.1:8787"
		}

		// Safety: prevent accidental public exposure without auth.
		if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
			s.log.Error("ops refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr))
			return
		}
		if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
			s.log.Warn("ops running without token on non-loopback addr (insecure)", logx.String("addr", addr))
		}

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.log.Error("ops listen failed", logx.String("addr", addr), logx.Err(err))
			return
		}

		srv := &http.Server{
			Handler:      s.buildMux(cur),
			ReadTimeout:  cur.ReadTimeout,
			WriteTimeout: cur.WriteTimeout,
			IdleTimeout:  cur.IdleTimeout,
		}

		s.mu.Lock()
		s.ln = ln
		s.srv = srv
		s.mu.Unlock()

		go func() {
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("ops server stopped with error", logx.Err(err))
			}
		}()

		s.log.Info("ops started",
			logx.String("addr", ln.Addr().String()),
			logx.Bool("token_set", cur.Token != ""),
			logx.Bool("pprof", cur.Pprof))
		return
	}
}

func (s *Service) buildMux(cur Config) *http.ServeMux {
	mux := http.NewServeMux()
	wrap := func(path string, h http.HandlerFunc) http.HandlerFunc {
		return s.observe(path, s.withAuth(cur.Token, h))
	}

	mux.HandleFunc("/healthz", wrap("/healthz", s.handleHealthz))
	mux.HandleFunc("/runs", wrap("/runs", s.handleRuns))
	mux.HandleFunc("/jobs", wrap("/jobs", s.handleJobs))

	if s.prov.Gatherer != nil {
		mh := promhttp.HandlerFor(s.prov.Gatherer, promhttp.HandlerOpts{})
		mux.HandleFunc("/metrics", wrap("/metrics", func(w http.ResponseWriter, r *http.Request) {
			mh.ServeHTTP(w, r)
		}))
	}

	if cur.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap("/debug/pprof/", hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap("/debug/pprof/cmdline", hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap("/debug/pprof/profile", hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap("/debug/pprof/symbol", hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap("/debug/pprof/trace", hpprof.Trace))
	}

	return mux
}

// observe reports each handled request to the metrics provider with the
// status ultimately written.
func (s *Service) observe(path string, h http.HandlerFunc) http.HandlerFunc {
	if s.prov.Request == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		s.prov.Request(path, sw.status)
	}
}

// statusWriter remembers the first status code written.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(p)
}

// handleHealthz reports the folded health plus scheduler and run
// aggregates. Degraded health answers 503 so load balancers and uptime
// checks can key off the status code alone.
func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type resp struct {
		Status    string            `json:"status"`
		Health    *health.Snapshot  `json:"health,omitempty"`
		Scheduler *sched.Snapshot   `json:"scheduler,omitempty"`
		Runs      *metrics.Snapshot `json:"runs,omitempty"`
	}

	out := resp{Status: "ok"}
	if s.prov.Health != nil {
		h := s.prov.Health()
		out.Status = h.Status
		out.Health = &h
	}
	if s.prov.Sched != nil {
		sn := s.prov.Sched()
		out.Scheduler = &sn
	}
	if s.prov.Counters != nil {
		m := s.prov.Counters()
		out.Runs = &m
	}

	code := http.StatusOK
	if out.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, out)
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.prov.Runs == nil {
		http.Error(w, "run history disabled", http.StatusNotFound)
		return
	}

	jobName := strings.TrimSpace(r.URL.Query().Get("job"))
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be 1..1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := s.prov.Runs(r.Context(), jobName, limit)
	if err != nil {
		s.log.Warn("runs query failed", logx.Err(err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Service) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.prov.Sched == nil {
		http.Error(w, "scheduler disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.prov.Sched())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.srv == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	// Ensure listener is closed even if Shutdown is stuck.
	if ln != nil {
		_ = ln.Close()
	}

	go func() {
		defer close(done)
		shutdownCtx := ctx
		if shutdownCtx == nil {
			shutdownCtx = context.Background()
		}
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
		s.mu.Lock()
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("ops stopped")
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		return
	}
}

func (s *Service) withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either:
		//   Authorization: Bearer <token>
		// or query param: ?token=<token>
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	// addr is expected in host:port (host may be empty).
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
