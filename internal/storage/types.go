package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures run-history persistence.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + compaction)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retention. KeepRuns caps rows per job (0 = default 500);
	// MaxAge drops records older than the window (0 = keep forever).
	KeepRuns int
	MaxAge   time.Duration
}

func (c Config) keepRuns() int {
	if c.KeepRuns <= 0 {
		return 500
	}
	return c.KeepRuns
}
