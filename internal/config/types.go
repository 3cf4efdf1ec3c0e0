package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Ops       OpsConfig       `json:"ops,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Runner    RunnerConfig    `json:"runner,omitempty"`
	Health    HealthConfig    `json:"health,omitempty"`

	// Defaults is the baseline resource policy applied to every job
	// unless the job overrides a field.
	Defaults PolicyConfig `json:"defaults,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Jobs    []JobConfig    `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OpsConfig controls the optional ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8787").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8787"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SchedulerConfig controls the trigger loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Tick is the evaluation period. Defaults to "2s".
	Tick     string `json:"tick,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// Dispatch rate limiting: fires per second across all jobs.
	DispatchPerSec float64 `json:"dispatch_per_sec,omitempty"`
	DispatchBurst  int     `json:"dispatch_burst,omitempty"`

	// Circuit breaker over consecutive failed runs. 0 disables.
	BreakerThreshold   int    `json:"breaker_threshold,omitempty"`
	BreakerCooldown    string `json:"breaker_cooldown,omitempty"`
	BreakerMaxCooldown string `json:"breaker_max_cooldown,omitempty"`
}

// RunnerConfig controls execution mechanics shared by all jobs.
type RunnerConfig struct {
	// Grace is the SIGTERM-to-SIGKILL window on timeout. Defaults to "5s".
	Grace           string `json:"grace,omitempty"`
	HistorySize     int    `json:"history_size,omitempty"`
	StderrTailBytes int    `json:"stderr_tail_bytes,omitempty"`
}

type HealthConfig struct {
	Interval     string `json:"interval,omitempty"`
	CheckTimeout string `json:"check_timeout,omitempty"`
}

// PolicyConfig is the JSON shape of a resource policy. Durations are Go
// duration strings; zero/omitted fields mean unbounded (concurrency
// defaults to 1).
type PolicyConfig struct {
	Timeout        string `json:"timeout,omitempty"`
	AddressSpaceMB int    `json:"address_space_mb,omitempty"`
	CPUSeconds     int    `json:"cpu_seconds,omitempty"`
	Concurrency    int    `json:"concurrency,omitempty"`
}

// StorageConfig controls the optional run-history persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./mediadash_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	KeepRuns    int    `json:"keep_runs,omitempty"`
	MaxAge      string `json:"max_age,omitempty"` // Go duration string
}

// JobConfig declares one scheduled job.
//
// Enabled is a pointer so "omitted" (default true) is distinguishable
// from an explicit false.
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Kind     string `json:"kind"`
	Enabled  *bool  `json:"enabled,omitempty"`

	// Policy overrides the top-level defaults per field.
	Policy *PolicyConfig `json:"policy,omitempty"`

	Config json.RawMessage `json:"config,omitempty"`
}

// On reports the effective enabled state.
func (j JobConfig) On() bool { return j.Enabled == nil || *j.Enabled }

// UnmarshalJSON disallows unknown fields so typos in job blocks are
// caught at load time instead of silently ignored.
func (j *JobConfig) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Name     string          `json:"name"`
		Schedule string          `json:"schedule"`
		Kind     string          `json:"kind"`
		Enabled  *bool           `json:"enabled,omitempty"`
		Policy   *PolicyConfig   `json:"policy,omitempty"`
		Config   json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*j = JobConfig{Name: t.Name, Schedule: t.Schedule, Kind: t.Kind, Enabled: t.Enabled, Policy: t.Policy, Config: t.Config}
	return nil
}
