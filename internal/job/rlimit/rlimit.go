// Package rlimit applies platform resource ceilings (address space, CPU
// time) inside the worker process before job logic starts.
//
// Limiting is best-effort defense, not a correctness requirement: platforms
// without the primitives skip with an info log, and malformed values are
// normalized to unbounded. The ceilings travel parent -> worker via
// environment variables so the worker can apply them to itself.
package rlimit

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	logx "mediadash/pkg/logx"
)

// Environment variable names, inherited from the surrounding deployment.
const (
	EnvAddressSpaceMB = "JOB_RLIMIT_AS_MB"
	EnvCPUSeconds     = "JOB_RLIMIT_CPU_SEC"
)

// Env encodes the ceilings for a worker command environment. Unset (<= 0)
// ceilings are omitted entirely so the worker treats them as unbounded.
func Env(addressSpaceMB, cpuSeconds int) []string {
	out := make([]string, 0, 2)
	if addressSpaceMB > 0 {
		out = append(out, fmt.Sprintf("%s=%d", EnvAddressSpaceMB, addressSpaceMB))
	}
	if cpuSeconds > 0 {
		out = append(out, fmt.Sprintf("%s=%d", EnvCPUSeconds, cpuSeconds))
	}
	return out
}

// FromEnv reads the ceilings from the process environment. Malformed or
// negative values normalize to 0 (unbounded) with a warning; they must
// never prevent the job from running.
func FromEnv(log logx.Logger) (addressSpaceMB, cpuSeconds int) {
	return parseCeiling(log, EnvAddressSpaceMB), parseCeiling(log, EnvCPUSeconds)
}

func parseCeiling(log logx.Logger, key string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		if !log.IsZero() {
			log.Warn("malformed resource ceiling treated as unbounded", logx.String("var", key), logx.String("value", raw))
		}
		return 0
	}
	if v < 0 {
		if !log.IsZero() {
			log.Warn("negative resource ceiling treated as unbounded", logx.String("var", key), logx.Int("value", v))
		}
		return 0
	}
	return v
}

// Apply sets the ceilings on the current process. A ceiling of 0 is left
// unbounded. Errors are logged and swallowed: a failed setrlimit degrades
// to timeout-only protection, it never fails the job.
func Apply(log logx.Logger, addressSpaceMB, cpuSeconds int) {
	if addressSpaceMB <= 0 && cpuSeconds <= 0 {
		return
	}
	if !Supported() {
		if !log.IsZero() {
			log.Info("resource limits not supported on this platform; skipping",
				logx.Int("address_space_mb", addressSpaceMB), logx.Int("cpu_seconds", cpuSeconds))
		}
		return
	}
	apply(log, addressSpaceMB, cpuSeconds)
}
