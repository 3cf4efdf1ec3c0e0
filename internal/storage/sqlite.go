//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"mediadash/internal/job"
	logx "mediadash/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	cfg Config
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, cfg: cfg, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, rec job.RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.Started.IsZero() {
		rec.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, job, started, ended, outcome, reason, detail, took_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Job,
		rec.Started.Format(time.RFC3339Nano), rec.Ended.Format(time.RFC3339Nano),
		string(rec.Outcome), nullStr(rec.Reason), nullStr(rec.Detail), rec.Took.Milliseconds(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_ = s.Prune(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, jobName string, limit int) ([]job.RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT id, job, started, ended, outcome, reason, detail, took_ms
	      FROM runs`
	args := []any{}
	if jobName != "" {
		q += ` WHERE job = ?`
		args = append(args, jobName)
	}
	q += ` ORDER BY started DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.RunRecord
	for rows.Next() {
		var (
			rec            job.RunRecord
			started, ended string
			outcome        string
			reason, detail sql.NullString
			tookMS         int64
		)
		if err := rows.Scan(&rec.ID, &rec.Job, &started, &ended, &outcome, &reason, &detail, &tookMS); err != nil {
			return nil, err
		}
		rec.Started, _ = time.Parse(time.RFC3339Nano, started)
		rec.Ended, _ = time.Parse(time.RFC3339Nano, ended)
		rec.Outcome = job.Outcome(outcome)
		rec.Reason = reason.String
		rec.Detail = detail.String
		rec.Took = time.Duration(tookMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	keep := s.cfg.keepRuns()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id IN (
		   SELECT id FROM (
		     SELECT id, ROW_NUMBER() OVER (PARTITION BY job ORDER BY started DESC) AS rn
		     FROM runs
		   ) WHERE rn > ?
		 )`, keep)
	if err != nil {
		return err
	}
	if s.cfg.MaxAge > 0 {
		cutoff := time.Now().Add(-s.cfg.MaxAge).Format(time.RFC3339Nano)
		_, err = s.db.ExecContext(ctx, `DELETE FROM runs WHERE started < ?`, cutoff)
	}
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
