// Package job holds the execution core: job definitions, resource
// policies, the concurrency gate and the runner that drives one worker
// process from admission to a terminal outcome.
package job

import (
	"context"
	"time"

	logx "mediadash/pkg/logx"
)

// Runnable is the opaque unit of work bound to a job definition.
// The core never looks inside it; it only needs completion and an error.
type Runnable interface {
	Run(ctx context.Context) error
}

// RunnableFunc adapts a plain function to Runnable.
type RunnableFunc func(ctx context.Context) error

func (f RunnableFunc) Run(ctx context.Context) error { return f(ctx) }

// ResourcePolicy is the per-job resource ceiling set.
//
// Zero values mean "unbounded" (or default 1 for Concurrency). Values are
// read-only after load; Normalized() is the single place malformed input
// gets repaired.
type ResourcePolicy struct {
	// Timeout is the wall-clock ceiling for one run. 0 disables the
	// timeout supervisor entirely.
	Timeout time.Duration `json:"timeout"`

	// AddressSpaceMB caps the worker's address space (RLIMIT_AS). 0 = unbounded.
	AddressSpaceMB int `json:"address_space_mb"`

	// CPUSeconds caps the worker's CPU time (RLIMIT_CPU). 0 = unbounded.
	CPUSeconds int `json:"cpu_seconds"`

	// Concurrency is the max simultaneous runs for the job name. Default 1.
	Concurrency int `json:"concurrency"`
}

// Normalized repairs malformed policy values. Negative ceilings become
// unbounded with a warning; a non-positive concurrency becomes 1. A bad
// policy must never prevent a job from running.
func (p ResourcePolicy) Normalized(log logx.Logger, jobName string) ResourcePolicy {
	out := p
	if out.Timeout < 0 {
		if !log.IsZero() {
			log.Warn("negative timeout treated as disabled", logx.String("job", jobName), logx.Duration("timeout", out.Timeout))
		}
		out.Timeout = 0
	}
	if out.AddressSpaceMB < 0 {
		if !log.IsZero() {
			log.Warn("negative address-space ceiling treated as unbounded", logx.String("job", jobName), logx.Int("mb", out.AddressSpaceMB))
		}
		out.AddressSpaceMB = 0
	}
	if out.CPUSeconds < 0 {
		if !log.IsZero() {
			log.Warn("negative cpu ceiling treated as unbounded", logx.String("job", jobName), logx.Int("sec", out.CPUSeconds))
		}
		out.CPUSeconds = 0
	}
	if out.Concurrency <= 0 {
		out.Concurrency = 1
	}
	return out
}

// Definition describes one scheduled job. Immutable once loaded.
type Definition struct {
	// Name identifies the job; it is the concurrency-gate key and the
	// worker-mode selector.
	Name string

	// Schedule is the trigger spec (cron expression, @every, duration, HH:MM).
	Schedule string

	// Kind selects the registered Runnable executed in the worker process.
	Kind string

	// Config is the raw per-job collaborator config, passed through opaquely.
	Config []byte

	Policy ResourcePolicy
}

// Outcome is the terminal state of one run.
type Outcome string

const (
	OutcomeSucceeded         Outcome = "success"
	OutcomeFailed            Outcome = "failed"
	OutcomeTimedOut          Outcome = "timed_out"
	OutcomeSkippedConcurrent Outcome = "skipped_concurrent"
)

// Terminal reports whether o is a valid terminal outcome.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeTimedOut, OutcomeSkippedConcurrent:
		return true
	}
	return false
}

// Reason codes attached to failed runs. Summaries, never raw error objects.
const (
	ReasonExitStatus = "exit_status"
	ReasonRlimitCPU  = "rlimit_cpu"
	ReasonSpawn      = "spawn_error"
	ReasonTimeout    = "timeout"
	ReasonShutdown   = "shutdown"
	ReasonConcurrent = "concurrency_limit"
)

// RunRecord is the durable record of one job invocation.
// Created at admission, finalized exactly once on any termination path.
type RunRecord struct {
	ID      string        `json:"id"`
	Job     string        `json:"job"`
	Started time.Time     `json:"started"`
	Ended   time.Time     `json:"ended"`
	Outcome Outcome       `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Took    time.Duration `json:"took"`
}
