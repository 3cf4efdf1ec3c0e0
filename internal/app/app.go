// Package app wires the daemon: config, logging, storage, the job
// runner, the scheduler loop, health checks and the ops HTTP surface.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"mediadash/internal/config"
	"mediadash/internal/eventbus"
	"mediadash/internal/health"
	"mediadash/internal/job"
	"mediadash/internal/metrics"
	"mediadash/internal/ops"
	"mediadash/internal/runtime/supervisor"
	"mediadash/internal/sched"
	"mediadash/internal/storage"
	logx "mediadash/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	gate    *job.Gate
	runner  *job.Runner
	sched   *sched.Service
	hc      *health.Service
	ops     *ops.Service
	coll    *metrics.Collector
	promReg *prometheus.Registry

	defs []job.Definition
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	// Environment overrides the baseline policy before any definitions
	// are built from it.
	cfg.ApplyEnvOverrides(log)

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	coll := metrics.NewCollector(promReg)

	// Validate kinds and per-job configs up front; worker mode rebuilds
	// the same registry later.
	if _, err := BuildRegistry(cfg, log); err != nil {
		return nil, err
	}

	defs, err := buildDefinitions(cfg, log)
	if err != nil {
		return nil, err
	}

	gate := job.NewGate()
	for _, d := range defs {
		gate.SetLimit(d.Name, d.Policy.Concurrency)
	}

	runnerCfg, err := mapRunnerConfig(cfg)
	if err != nil {
		return nil, err
	}
	runner := job.NewRunner(runnerCfg, gate, job.SelfExec{ConfigPath: cfgPath}, bus, coll,
		log.With(logx.String("comp", "runner")))

	schedCfg, err := mapSchedConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc, err := sched.New(schedCfg, log.With(logx.String("comp", "sched")), runner)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		if err := schedSvc.Register(d); err != nil {
			return nil, err
		}
	}

	healthCfg, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	hc := health.New(healthCfg, log.With(logx.String("comp", "health")))

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		gate:    gate,
		runner:  runner,
		sched:   schedSvc,
		hc:      hc,
		coll:    coll,
		promReg: promReg,
		defs:    defs,
	}

	a.ops = ops.New(opsCfg, ops.Providers{
		Health:   hc.SnapshotNow,
		Sched:    schedSvc.SnapshotNow,
		Counters: coll.SnapshotNow,
		Runs:     a.recentRuns,
		Gatherer: promReg,
		Request:  coll.RequestServed,
	}, log.With(logx.String("comp", "ops")))

	return a, nil
}

// recentRuns prefers durable history; without storage it falls back to
// the runner's bounded in-memory ring.
func (a *App) recentRuns(ctx context.Context, jobName string, limit int) ([]job.RunRecord, error) {
	if a.store != nil {
		return a.store.RecentRuns(ctx, jobName, limit)
	}
	recs := a.runner.Recent(limit)
	if jobName == "" {
		return recs, nil
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Job == jobName {
			out = append(out, r)
		}
	}
	return out, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedConfig(cfg); err != nil {
			return err
		}
		if _, err := mapRunnerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHealthConfig(cfg); err != nil {
			return err
		}
		if _, err := buildDefinitions(cfg, logx.Nop()); err != nil {
			return err
		}
		for _, jc := range cfg.Jobs {
			if !jc.On() {
				continue
			}
			if _, err := sched.ParseSchedule(jc.Schedule); err != nil {
				return fmt.Errorf("job %s: %w", jc.Name, err)
			}
		}
		if _, err := BuildRegistry(cfg, logx.Nop()); err != nil {
			return err
		}
		return nil
	})

	// Health checks
	if a.store != nil {
		a.hc.Register("storage", true, func(c context.Context) (string, error) {
			return "ok", a.store.Ping(c)
		})
	}
	if a.sched != nil {
		schedCfg, _ := mapSchedConfig(a.cfgm.Get())
		a.hc.Register("scheduler", schedCfg.Enabled, func(c context.Context) (string, error) {
			if !schedCfg.Enabled {
				return "disabled", nil
			}
			last := a.sched.LastTick()
			if last.IsZero() {
				return "starting", nil
			}
			tick := schedCfg.Tick
			if tick <= 0 {
				tick = 2 * time.Second
			}
			if age := time.Since(last); age > 5*tick {
				return "stalled", fmt.Errorf("last tick %s ago", age.Round(time.Millisecond))
			}
			return "ok", nil
		})
	}
	a.hc.Run(a.sup)

	a.sched.Run(a.sup)

	if a.ops != nil && a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	// Event fanout: debug visibility plus durable history when storage
	// is configured.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.sink", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if a.store == nil {
					continue
				}
				rec, ok := e.Data.(job.RunRecord)
				if !ok {
					continue
				}
				switch e.Type {
				case eventbus.TypeRunFinished, eventbus.TypeRunSkipped:
					wctx, cancel := context.WithTimeout(c, 2*time.Second)
					if err := a.store.AppendRun(wctx, rec); err != nil {
						a.log.Warn("run history append failed", logx.String("job", rec.Job), logx.Err(err))
					}
					cancel()
				}
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, jobsChanged := config.SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
					if len(jobsChanged) > 0 {
						a.log.Debug("job config changes detected", logx.Any("jobs", jobsChanged))
					}
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				// Sections that only take effect on a fresh process.
				for _, s := range sections {
					switch s {
					case "storage", "scheduler", "runner", "defaults", "jobs":
						a.log.Warn("config section changed; restart required for changes to take effect",
							logx.String("section", s))
					}
				}

				// apply logging updates (live)
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				// apply ops updates (live)
				if a.ops != nil {
					oc, err := mapOpsConfig(newCfg)
					if err != nil {
						a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
					} else {
						a.ops.Reconfigure(c, oc)
					}
				}

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startSystemd()

	a.log.Info("app started", logx.Int("jobs", len(a.defs)))
	return nil
}

// startSystemd reports readiness and, when the unit configures a
// watchdog, pets it only while health is ok so a wedged daemon gets
// restarted by the init system.
func (a *App) startSystemd() {
	if ok, err := sdnotify.SdNotify(false, sdnotify.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := sdnotify.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		tick := interval / 2
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if !a.hc.Healthy() {
					a.log.Warn("skipping watchdog pet while degraded")
					continue
				}
				_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyWatchdog)
			}
		}
	})
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = sdnotify.SdNotify(false, sdnotify.SdNotifyStopping)

	// Cancel the run context so background loops (and in-flight worker
	// processes, via the runner's shutdown path) start unwinding.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })

	// Wait for supervised goroutines: scheduler loop, health loop,
	// config watch and any in-flight job dispatches. The runner's grace
	// window bounds how long a dispatched run can linger after cancel.
	step("supervisor", 10*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
