package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "ctrlsched/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v, want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("Open(mongo) = nil error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatalf("Open(file) without path = nil error")
	}
}

func TestFileStoreAppendAndRecent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")
	st, err := Open(Config{Driver: "file", Path: path, KeepPerKind: 3}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 5; i++ {
		recs := []StatsRecord{
			{At: base.Add(time.Duration(i) * time.Second), Kind: 1, KindName: "sync", Run: uint64(i)},
			{Kind: 2, Run: uint64(i * 10)},
		}
		if err := st.AppendStats(ctx, recs); err != nil {
			t.Fatalf("AppendStats: %v", err)
		}
	}

	got, err := st.RecentStats(ctx, 1, 10)
	if err != nil {
		t.Fatalf("RecentStats: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("RecentStats = %d records, want 3", len(got))
	}
	for i, want := range []uint64{4, 3, 2} {
		if got[i].Run != want || got[i].ID == "" || got[i].KindName != "sync" {
			t.Fatalf("record %d = %+v, want run %d", i, got[i], want)
		}
	}
	if got[0].ID == got[1].ID {
		t.Fatalf("records share id %s", got[0].ID)
	}
	two, _ := st.RecentStats(ctx, 2, 1)
	if len(two) != 1 || two[0].Run != 40 || two[0].At.IsZero() {
		t.Fatalf("kind 2 = %+v", two)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := st.RecentStats(ctx, 1, 1); err != ErrDisabled {
		t.Fatalf("RecentStats after Close = %v, want %v", err, ErrDisabled)
	}

	if _, err := os.Stat(filepath.Join(dir, "journal.stats.jsonl")); err != nil {
		t.Fatalf("journal file: %v", err)
	}
}

func TestFileStoreReplaysOnOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "j.jsonl")
	cfg := Config{Driver: "file", Path: path}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.AppendStats(ctx, []StatsRecord{{Kind: 7, Completed: 11}}); err != nil {
		t.Fatalf("AppendStats: %v", err)
	}
	_ = st.Close()

	f, err := os.OpenFile(filepath.Join(dir, "j.stats.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	_, _ = f.WriteString("not json\n")
	_ = f.Close()

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.RecentStats(ctx, 7, 5)
	if err != nil || len(got) != 1 || got[0].Completed != 11 {
		t.Fatalf("RecentStats after reopen = %+v, %v", got, err)
	}
}
