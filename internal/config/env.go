package config

import (
	"os"
	"strconv"
	"time"

	logx "mediadash/pkg/logx"
)

// Environment overrides for the baseline resource policy. Values are
// applied on top of the loaded defaults; malformed values are ignored
// with a warning so a bad override never blocks startup.
const (
	EnvTimeoutSec  = "RUN_JOB_TIMEOUT_SEC"
	EnvRlimitASMB  = "JOB_RLIMIT_AS_MB"
	EnvRlimitCPU   = "JOB_RLIMIT_CPU_SEC"
	EnvConcurrency = "RUN_JOB_CONCURRENCY"
)

// ApplyEnvOverrides mutates the Defaults block from process environment.
func (c *Config) ApplyEnvOverrides(log logx.Logger) {
	if v, ok := envInt(EnvTimeoutSec, log); ok {
		c.Defaults.Timeout = (time.Duration(v) * time.Second).String()
	}
	if v, ok := envInt(EnvRlimitASMB, log); ok {
		c.Defaults.AddressSpaceMB = v
	}
	if v, ok := envInt(EnvRlimitCPU, log); ok {
		c.Defaults.CPUSeconds = v
	}
	if v, ok := envInt(EnvConcurrency, log); ok {
		c.Defaults.Concurrency = v
	}
}

func envInt(key string, log logx.Logger) (int, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		if !log.IsZero() {
			log.Warn("ignoring malformed env override", logx.String("key", key), logx.String("value", raw))
		}
		return 0, false
	}
	return n, true
}
