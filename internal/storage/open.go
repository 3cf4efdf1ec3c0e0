package storage

import (
	"context"
	"errors"
	"strings"

	"mediadash/internal/job"
	logx "mediadash/pkg/logx"
)

// Store is the minimal persistence API used by the app layer.
type Store interface {
	AppendRun(ctx context.Context, rec job.RunRecord) error
	// RecentRuns returns the newest records first. An empty jobName
	// selects all jobs.
	RecentRuns(ctx context.Context, jobName string, limit int) ([]job.RunRecord, error)
	Prune(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
