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

	logx "ctrlsched/pkg/logx"
)

// fileStore appends records to <prefix>.stats.jsonl and keeps the newest
// records of each kind in memory for RecentStats. The file is replayed on
// open.
type fileStore struct {
	log  logx.Logger
	keep int

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	recent map[int][]StatsRecord
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	keep := cfg.KeepPerKind
	if keep <= 0 {
		keep = 500
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	statsPath := filepath.Join(dir, base+".stats.jsonl")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, keep: keep, recent: map[int][]StatsRecord{}}
	skipped, err := s.replay(statsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("stats journal has unreadable lines", logx.String("path", statsPath), logx.Int("skipped", skipped))
	}

	f, err := os.OpenFile(statsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	log.Info("stats journal opened", logx.String("driver", "file"), logx.String("path", statsPath))
	return s, nil
}

func (s *fileStore) replay(path string) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r StatsRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			skipped++
			continue
		}
		s.remember(r)
	}
	return skipped, sc.Err()
}

// remember keeps r in the per-kind tail. Caller holds mu or owns s.
func (s *fileStore) remember(r StatsRecord) {
	tail := append(s.recent[r.Kind], r)
	if len(tail) > s.keep {
		tail = tail[len(tail)-s.keep:]
	}
	s.recent[r.Kind] = tail
}

func (s *fileStore) AppendStats(ctx context.Context, recs []StatsRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stamp(recs, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrDisabled
	}
	enc := json.NewEncoder(s.w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return err
		}
		s.remember(r)
	}
	return s.w.Flush()
}

func (s *fileStore) RecentStats(ctx context.Context, kind int, limit int) ([]StatsRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrDisabled
	}
	tail := s.recent[kind]
	n := min(limit, len(tail))
	out := make([]StatsRecord, 0, n)
	for i := len(tail) - 1; i >= len(tail)-n; i-- {
		out = append(out, tail[i])
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.w.Flush()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f = nil
	s.w = nil
	return err
}
