package engine

import (
	"time"
)

// Config controls the worker pool that runs task bodies.
type Config struct {
	Workers int

	// HistorySize bounds the ring of recent executions kept for snapshots.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Phase names which latency threshold a slow task exceeded.
type Phase string

const (
	PhaseSchedule Phase = "schedule"
	PhaseExecute  Phase = "execute"
)

// HistoryItem records one execution.
type HistoryItem struct {
	Seq        uint64        `json:"seq"`
	Kind       int           `json:"kind"`
	KindName   string        `json:"kind_name,omitempty"`
	Instance   int           `json:"instance"`
	Desc       string        `json:"desc,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Result     string        `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the payload of task.* bus events.
type TaskEvent struct {
	Seq        uint64        `json:"seq"`
	Kind       int           `json:"kind"`
	KindName   string        `json:"kind_name,omitempty"`
	Instance   int           `json:"instance"`
	Desc       string        `json:"desc,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration,omitempty"`
	Result     string        `json:"result,omitempty"`
	Phase      Phase         `json:"phase,omitempty"`
	Threshold  time.Duration `json:"threshold,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Running  bool          `json:"running"`
	Workers  int           `json:"workers"`
	QueueLen int           `json:"queue_len"`
	InFlight int           `json:"in_flight"`
	Executed uint64        `json:"executed"`
	Slow     uint64        `json:"slow"`
	Panics   uint64        `json:"panics"`
	History  []HistoryItem `json:"history"`
}
