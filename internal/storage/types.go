package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config selects the journal backend. An empty Driver or "none" disables
// storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only

	// KeepPerKind bounds how many records per kind the file driver keeps in
	// memory for RecentStats. 0 means 500.
	KeepPerKind int
}

// StatsRecord is one kind's counters at a point in time.
type StatsRecord struct {
	ID           string        `json:"id"`
	At           time.Time     `json:"at"`
	Kind         int           `json:"kind"`
	KindName     string        `json:"kind_name,omitempty"`
	Enqueued     uint64        `json:"enqueued"`
	Waited       uint64        `json:"waited"`
	Run          uint64        `json:"run"`
	Deferred     uint64        `json:"deferred"`
	Completed    uint64        `json:"completed"`
	Running      int           `json:"running"`
	Waiting      int           `json:"waiting"`
	TotalRunTime time.Duration `json:"total_run_time"`
}
