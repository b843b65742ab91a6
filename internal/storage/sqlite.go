//go:build sqlite

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
	"time"

	_ "modernc.org/sqlite"

	logx "ctrlsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the journal is written by a single monitor goroutine.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Info("stats journal opened", logx.String("driver", "sqlite"), logx.String("path", path))
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

func (s *sqliteStore) AppendStats(ctx context.Context, recs []StatsRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if len(recs) == 0 {
		return nil
	}
	stamp(recs, time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO stats(id, at, kind, kind_name, enqueued, waited, run, deferred, completed, running, waiting, total_run_ns)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.At.UnixNano(), r.Kind, nullStr(r.KindName),
			int64(r.Enqueued), int64(r.Waited), int64(r.Run), int64(r.Deferred), int64(r.Completed),
			r.Running, r.Waiting, int64(r.TotalRunTime),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) RecentStats(ctx context.Context, kind int, limit int) ([]StatsRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, kind, kind_name, enqueued, waited, run, deferred, completed, running, waiting, total_run_ns
		 FROM stats WHERE kind = ? ORDER BY at DESC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatsRecord
	for rows.Next() {
		var (
			r                                         StatsRecord
			at, total                                 int64
			name                                      sql.NullString
			enqueued, waited, run, deferred, complete int64
		)
		if err := rows.Scan(&r.ID, &at, &r.Kind, &name, &enqueued, &waited, &run, &deferred, &complete,
			&r.Running, &r.Waiting, &total); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, at)
		r.KindName = name.String
		r.Enqueued, r.Waited, r.Run = uint64(enqueued), uint64(waited), uint64(run)
		r.Deferred, r.Completed = uint64(deferred), uint64(complete)
		r.TotalRunTime = time.Duration(total)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
