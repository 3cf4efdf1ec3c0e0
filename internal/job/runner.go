package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediadash/internal/eventbus"
	logx "mediadash/pkg/logx"
)

// MetricsRecorder receives run lifecycle counts. Implemented by the
// metrics collector; nil disables recording.
type MetricsRecorder interface {
	RunStarted(job string)
	RunFinished(job, outcome string, took time.Duration)
}

// RunnerConfig controls execution mechanics shared by all jobs.
type RunnerConfig struct {
	// Grace is the window between SIGTERM and SIGKILL on forced termination.
	Grace time.Duration

	// HistorySize bounds the in-memory run history ring.
	HistorySize int

	// StderrTailBytes bounds how much worker stderr is kept as the error summary.
	StderrTailBytes int
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.StderrTailBytes <= 0 {
		c.StderrTailBytes = 2048
	}
	return c
}

// Runner owns the life cycle of single job executions: gate admission,
// worker spawn under the resource limiter, the timeout supervisor, outcome
// classification and history.
//
// Each admitted run gets its own independent timeout supervisor; nothing is
// shared across simultaneous runs of the same job beyond the gate counter.
type Runner struct {
	log     logx.Logger
	cfg     RunnerConfig
	gate    *Gate
	spawn   Spawner
	bus     eventbus.Bus
	metrics MetricsRecorder

	hmu     sync.Mutex
	history []RunRecord
}

func NewRunner(cfg RunnerConfig, gate *Gate, spawn Spawner, bus eventbus.Bus, metrics MetricsRecorder, log logx.Logger) *Runner {
	if gate == nil {
		gate = NewGate()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		log:     log,
		cfg:     cfg.withDefaults(),
		gate:    gate,
		spawn:   spawn,
		bus:     bus,
		metrics: metrics,
	}
}

func (r *Runner) Gate() *Gate { return r.gate }

// Execute drives one run end-to-end and always returns a finalized record.
// It contains every per-run error; nothing propagates to the caller.
func (r *Runner) Execute(ctx context.Context, def Definition) RunRecord {
	rec := RunRecord{ID: uuid.NewString(), Job: def.Name, Started: time.Now()}

	permit, ok := r.gate.TryAcquire(def.Name)
	if !ok {
		rec.Outcome = OutcomeSkippedConcurrent
		rec.Reason = ReasonConcurrent
		rec.Ended = rec.Started
		r.finalize(&rec, eventbus.TypeRunSkipped)
		return rec
	}
	// Backstop: Release is Once-guarded, so the explicit release on the
	// termination paths below cannot double-free the slot.
	defer permit.Release()

	if r.metrics != nil {
		r.metrics.RunStarted(def.Name)
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Time: rec.Started, Data: rec})
	}
	r.log.Debug("run started", logx.String("job", def.Name), logx.String("run", rec.ID))

	cmd, err := r.spawn.Command(def)
	if err != nil {
		return r.failSpawn(&rec, permit, err)
	}
	tail := &tailBuffer{max: r.cfg.StderrTailBytes}
	cmd.Stderr = tail
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	setProcessGroup(cmd)
	// A descendant that outlives the kill (or a leaked daemon on the
	// success path) can hold the stderr pipe open forever; WaitDelay
	// bounds how long Wait stays blocked on it after the child exits.
	cmd.WaitDelay = r.cfg.Grace

	if err := cmd.Start(); err != nil {
		return r.failSpawn(&rec, permit, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var (
		waitErr  error
		timedOut bool
		canceled bool
	)
	if timeout := def.Policy.Timeout; timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case waitErr = <-done:
			timer.Stop()
		case <-timer.C:
			timedOut = true
			waitErr = r.terminate(cmd, done)
		case <-ctx.Done():
			canceled = true
			timer.Stop()
			waitErr = r.terminate(cmd, done)
		}
	} else {
		select {
		case waitErr = <-done:
		case <-ctx.Done():
			canceled = true
			waitErr = r.terminate(cmd, done)
		}
	}

	rec.Ended = time.Now()
	rec.Took = rec.Ended.Sub(rec.Started)
	// Free the slot before bookkeeping so a slow history sink can never
	// extend the gate hold.
	permit.Release()

	r.classify(&rec, cmd, waitErr, timedOut, canceled, tail.String())
	r.finalize(&rec, eventbus.TypeRunFinished)
	return rec
}

func (r *Runner) failSpawn(rec *RunRecord, permit *Permit, err error) RunRecord {
	rec.Ended = time.Now()
	rec.Took = rec.Ended.Sub(rec.Started)
	rec.Outcome = OutcomeFailed
	rec.Reason = ReasonSpawn
	rec.Detail = err.Error()
	permit.Release()
	r.finalize(rec, eventbus.TypeRunFinished)
	return *rec
}

// terminate delivers the graceful termination signal to the worker's
// process group, waits out the grace window, then kills the group. It
// always reaps the worker before returning; WaitDelay bounds the reap
// even when a surviving descendant still holds the stderr pipe.
func (r *Runner) terminate(cmd *exec.Cmd, done <-chan error) error {
	if cmd.Process == nil {
		return <-done
	}
	if err := signalTerm(cmd.Process); err != nil {
		_ = killHard(cmd.Process)
		return <-done
	}
	select {
	case err := <-done:
		return err
	case <-time.After(r.cfg.Grace):
		_ = killHard(cmd.Process)
		return <-done
	}
}

func (r *Runner) classify(rec *RunRecord, cmd *exec.Cmd, waitErr error, timedOut, canceled bool, stderrTail string) {
	switch {
	case timedOut:
		rec.Outcome = OutcomeTimedOut
		rec.Reason = ReasonTimeout
	case canceled:
		rec.Outcome = OutcomeFailed
		rec.Reason = ReasonShutdown
	case waitErr == nil:
		rec.Outcome = OutcomeSucceeded
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// Wait returns ErrWaitDelay only for a zero exit status; the
		// worker succeeded and merely left its stderr pipe inherited.
		rec.Outcome = OutcomeSucceeded
	default:
		rec.Outcome = OutcomeFailed
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if killedByCPULimit(exitErr.ProcessState) {
				rec.Reason = ReasonRlimitCPU
				rec.Detail = firstLine(stderrTail)
				return
			}
			rec.Reason = ReasonExitStatus
			if sig := termSignalName(exitErr.ProcessState); sig != "" {
				rec.Detail = "signal: " + sig
			} else {
				rec.Detail = fmt.Sprintf("exit %d", exitErr.ExitCode())
			}
			if t := firstLine(stderrTail); t != "" {
				rec.Detail += ": " + t
			}
		} else {
			rec.Reason = ReasonExitStatus
			rec.Detail = waitErr.Error()
		}
	}
}

func (r *Runner) finalize(rec *RunRecord, eventType string) {
	if r.metrics != nil && rec.Outcome != "" {
		r.metrics.RunFinished(rec.Job, string(rec.Outcome), rec.Took)
	}

	switch rec.Outcome {
	case OutcomeSucceeded:
		r.log.Info("run completed", logx.String("job", rec.Job), logx.String("run", rec.ID), logx.Duration("took", rec.Took))
	case OutcomeSkippedConcurrent:
		r.log.Debug("run skipped: concurrency limit reached", logx.String("job", rec.Job))
	case OutcomeTimedOut:
		r.log.Warn("run timed out", logx.String("job", rec.Job), logx.String("run", rec.ID), logx.Duration("took", rec.Took))
	default:
		r.log.Warn("run failed", logx.String("job", rec.Job), logx.String("run", rec.ID), logx.String("reason", rec.Reason), logx.String("detail", rec.Detail), logx.Duration("took", rec.Took))
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventType, Time: rec.Ended, Data: *rec})
	}

	r.hmu.Lock()
	r.history = append(r.history, *rec)
	if len(r.history) > r.cfg.HistorySize {
		r.history = r.history[len(r.history)-r.cfg.HistorySize:]
	}
	r.hmu.Unlock()
}

// Recent returns up to n most recent records, oldest first.
func (r *Runner) Recent(n int) []RunRecord {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	if n <= 0 || n > len(r.history) {
		n = len(r.history)
	}
	out := make([]RunRecord, n)
	copy(out, r.history[len(r.history)-n:])
	return out
}

// LastRun returns the most recent record for a job name.
func (r *Runner) LastRun(jobName string) (RunRecord, bool) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].Job == jobName {
			return r.history[i], true
		}
	}
	return RunRecord{}, false
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.buf = append(t.buf, p...)
	if t.max > 0 && len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	t.mu.Unlock()
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
