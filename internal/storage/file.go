package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mediadash/internal/job"
	logx "mediadash/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl (append-only JSON Lines, newest last)
//
// The log is replayed into memory at open and periodically compacted in
// place (write tmp, rename) once retention drops enough rows.
type fileStore struct {
	log logx.Logger
	cfg Config

	mu sync.Mutex

	path string
	f    *os.File

	// runs holds the retained records in append order.
	runs   []job.RunRecord
	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	runsPath := filepath.Join(dir, base) + ".runs.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runs, _ := replayRuns(runsPath)

	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	st := &fileStore{
		log:  log,
		cfg:  cfg,
		path: runsPath,
		f:    f,
		runs: runs,
	}
	st.mu.Lock()
	st.pruneLocked(time.Now())
	st.mu.Unlock()
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, rec job.RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("run log closed")
	}
	if err := json.NewEncoder(s.f).Encode(rec); err != nil {
		return err
	}
	s.runs = append(s.runs, rec)
	s.writes++
	if s.writes%500 == 0 {
		s.pruneLocked(time.Now())
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, jobName string, limit int) ([]job.RunRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]job.RunRecord, 0, limit)
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		if jobName != "" && s.runs[i].Job != jobName {
			continue
		}
		out = append(out, s.runs[i])
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now())
	return s.compactLocked()
}

func (s *fileStore) Ping(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("run log closed")
	}
	return nil
}

// pruneLocked applies retention to the in-memory slice only; the file
// shrinks on the next compaction.
func (s *fileStore) pruneLocked(now time.Time) {
	keep := s.cfg.keepRuns()
	cutoff := time.Time{}
	if s.cfg.MaxAge > 0 {
		cutoff = now.Add(-s.cfg.MaxAge)
	}

	perJob := map[string]int{}
	kept := make([]job.RunRecord, 0, len(s.runs))
	// Walk newest-first so the per-job cap keeps the latest rows.
	for i := len(s.runs) - 1; i >= 0; i-- {
		r := s.runs[i]
		if !cutoff.IsZero() && r.Started.Before(cutoff) {
			continue
		}
		if perJob[r.Job] >= keep {
			continue
		}
		perJob[r.Job]++
		kept = append(kept, r)
	}
	// Restore append order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	s.runs = kept
}

func (s *fileStore) compactLocked() error {
	if s.f == nil {
		return errors.New("run log closed")
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.runs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	// Reopen the append handle on the new inode.
	_ = s.f.Close()
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return err
	}
	s.f = nf
	return nil
}

func replayRuns(path string) ([]job.RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []job.RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r job.RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Job == "" {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
