package app

import (
	"fmt"
	"strings"
	"time"

	"mediadash/internal/config"
	"mediadash/internal/health"
	"mediadash/internal/job"
	"mediadash/internal/ops"
	"mediadash/internal/probe"
	"mediadash/internal/sched"
	"mediadash/internal/storage"
	"mediadash/internal/worker"
	logx "mediadash/pkg/logx"
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	maxAge, err := parseDurationField("storage.max_age", sc.MaxAge)
	if err != nil {
		return storage.Config{}, false, err
	}

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path, KeepRuns: sc.KeepRuns, MaxAge: maxAge}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: dl, Path: path, BusyTimeout: busy, KeepRuns: sc.KeepRuns, MaxAge: maxAge}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	var out ops.Config
	if cfg == nil {
		return out, nil
	}
	oc := cfg.Ops

	rt, err := parseDurationField("ops.read_timeout", oc.ReadTimeout)
	if err != nil {
		return out, err
	}
	wt, err := parseDurationField("ops.write_timeout", oc.WriteTimeout)
	if err != nil {
		return out, err
	}
	it, err := parseDurationField("ops.idle_timeout", oc.IdleTimeout)
	if err != nil {
		return out, err
	}

	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func mapSchedConfig(cfg *config.Config) (sched.Config, error) {
	var out sched.Config
	if cfg == nil {
		return out, nil
	}
	sc := cfg.Scheduler

	tick, err := parseDurationField("scheduler.tick", sc.Tick)
	if err != nil {
		return out, err
	}
	cooldown, err := parseDurationField("scheduler.breaker_cooldown", sc.BreakerCooldown)
	if err != nil {
		return out, err
	}
	maxCooldown, err := parseDurationField("scheduler.breaker_max_cooldown", sc.BreakerMaxCooldown)
	if err != nil {
		return out, err
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return out, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	return sched.Config{
		Enabled:          sc.Enabled,
		Tick:             tick,
		Timezone:         strings.TrimSpace(sc.Timezone),
		DispatchPerSec:   sc.DispatchPerSec,
		DispatchBurst:    sc.DispatchBurst,
		BreakerThreshold: sc.BreakerThreshold,
		BreakerCooldown:  cooldown,
		BreakerMax:       maxCooldown,
	}, nil
}

func mapRunnerConfig(cfg *config.Config) (job.RunnerConfig, error) {
	var out job.RunnerConfig
	if cfg == nil {
		return out, nil
	}
	grace, err := parseDurationField("runner.grace", cfg.Runner.Grace)
	if err != nil {
		return out, err
	}
	return job.RunnerConfig{
		Grace:           grace,
		HistorySize:     cfg.Runner.HistorySize,
		StderrTailBytes: cfg.Runner.StderrTailBytes,
	}, nil
}

func mapHealthConfig(cfg *config.Config) (health.Config, error) {
	var out health.Config
	if cfg == nil {
		return out, nil
	}
	interval, err := parseDurationField("health.interval", cfg.Health.Interval)
	if err != nil {
		return out, err
	}
	checkTimeout, err := parseDurationField("health.check_timeout", cfg.Health.CheckTimeout)
	if err != nil {
		return out, err
	}
	return health.Config{Interval: interval, CheckTimeout: checkTimeout}, nil
}

// effectivePolicy layers a job's policy block over the top-level
// defaults and normalizes the result.
func effectivePolicy(defaults config.PolicyConfig, override *config.PolicyConfig, log logx.Logger, jobName string) (job.ResourcePolicy, error) {
	timeoutStr := defaults.Timeout
	timeoutKey := "defaults.timeout"
	asMB := defaults.AddressSpaceMB
	cpuSec := defaults.CPUSeconds
	conc := defaults.Concurrency

	if override != nil {
		if strings.TrimSpace(override.Timeout) != "" {
			timeoutStr = override.Timeout
			timeoutKey = "job " + jobName + ".policy.timeout"
		}
		if override.AddressSpaceMB != 0 {
			asMB = override.AddressSpaceMB
		}
		if override.CPUSeconds != 0 {
			cpuSec = override.CPUSeconds
		}
		if override.Concurrency != 0 {
			conc = override.Concurrency
		}
	}

	timeout, err := parseDurationField(timeoutKey, timeoutStr)
	if err != nil {
		return job.ResourcePolicy{}, err
	}

	p := job.ResourcePolicy{
		Timeout:        timeout,
		AddressSpaceMB: asMB,
		CPUSeconds:     cpuSec,
		Concurrency:    conc,
	}
	return p.Normalized(log, jobName), nil
}

// buildDefinitions maps enabled job blocks to runtime definitions.
func buildDefinitions(cfg *config.Config, log logx.Logger) ([]job.Definition, error) {
	if cfg == nil {
		return nil, nil
	}
	out := make([]job.Definition, 0, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		if !jc.On() {
			continue
		}
		pol, err := effectivePolicy(cfg.Defaults, jc.Policy, log, jc.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, job.Definition{
			Name:     strings.TrimSpace(jc.Name),
			Schedule: strings.TrimSpace(jc.Schedule),
			Kind:     strings.TrimSpace(jc.Kind),
			Config:   []byte(jc.Config),
			Policy:   pol,
		})
	}
	return out, nil
}

// BuildRegistry constructs the runnable registry from configuration.
// Worker mode calls this too, so both sides agree on what each job name
// executes.
func BuildRegistry(cfg *config.Config, log logx.Logger) (*worker.Registry, error) {
	reg := worker.NewRegistry()
	if cfg == nil {
		return reg, nil
	}
	for _, jc := range cfg.Jobs {
		if !jc.On() {
			continue
		}
		switch strings.TrimSpace(jc.Kind) {
		case probe.Kind:
			p, err := probe.FromRaw([]byte(jc.Config), log.With(logx.String("job", jc.Name)))
			if err != nil {
				return nil, fmt.Errorf("job %s: %w", jc.Name, err)
			}
			reg.Register(jc.Name, p)
		default:
			return nil, fmt.Errorf("job %s: unknown kind %q", jc.Name, jc.Kind)
		}
	}
	return reg, nil
}
