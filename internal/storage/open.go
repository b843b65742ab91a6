package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "ctrlsched/pkg/logx"
)

// Store is the stats journal.
type Store interface {
	// AppendStats writes records, filling in missing IDs and timestamps.
	AppendStats(ctx context.Context, recs []StatsRecord) error
	// RecentStats returns up to limit records of kind, newest first.
	RecentStats(ctx context.Context, kind int, limit int) ([]StatsRecord, error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) if storage is
// disabled.
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

func stamp(recs []StatsRecord, now time.Time) {
	for i := range recs {
		if recs[i].ID == "" {
			recs[i].ID = uuid.NewString()
		}
		if recs[i].At.IsZero() {
			recs[i].At = now
		}
	}
}
