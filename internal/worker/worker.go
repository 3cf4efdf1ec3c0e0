// Package worker is the entry point for worker mode: the re-executed
// child process that runs exactly one job's logic under the resource
// limiter and then exits.
//
// Exit codes: 0 success, 1 job logic failed, 2 unknown job. The parent
// classifies outcomes from the exit status; the error summary goes to
// stderr where the parent captures a bounded tail.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"mediadash/internal/job"
	"mediadash/internal/job/rlimit"
	logx "mediadash/pkg/logx"
)

// Exit codes reported to the parent runner.
const (
	ExitOK         = 0
	ExitFailed     = 1
	ExitUnknownJob = 2
)

// Registry maps job names to their opaque runnables. Both the daemon
// (for validation) and worker mode (for execution) build the same registry
// from configuration.
type Registry struct {
	mu sync.RWMutex
	m  map[string]job.Runnable
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]job.Runnable{}}
}

func (r *Registry) Register(name string, rn job.Runnable) {
	name = strings.TrimSpace(name)
	if name == "" || rn == nil {
		return
	}
	r.mu.Lock()
	r.m[name] = rn
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (job.Runnable, bool) {
	r.mu.RLock()
	rn, ok := r.m[name]
	r.mu.RUnlock()
	return rn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for name := range r.m {
		out = append(out, name)
	}
	return out
}

// Main runs the named job once and returns the process exit code.
//
// The wall-clock ceiling is the parent's job: the worker runs until done or
// until the parent's termination signal cancels ctx. Resource ceilings are
// applied here, to our own process, before job logic starts.
func Main(ctx context.Context, reg *Registry, jobName string, log logx.Logger) int {
	if log.IsZero() {
		log = logx.Nop()
	}

	rn, ok := reg.Lookup(jobName)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown job %q\n", jobName)
		return ExitUnknownJob
	}

	asMB, cpuSec := rlimit.FromEnv(log)
	rlimit.Apply(log, asMB, cpuSec)

	log.Debug("worker starting", logx.String("job", jobName))

	// Job logic is opaque: a panic here is its failure, not ours. Convert
	// it to an error so the parent records a clean Failed outcome.
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("job panicked", logx.String("job", jobName), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return rn.Run(ctx)
	}()

	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return ExitFailed
	}
	return ExitOK
}
