package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// NoInstance marks a task that is not bound to an instance. Such tasks of
// one kind may run concurrently with each other.
const NoInstance = -1

// Result is what a task body reports when it returns.
type Result int

const (
	// Complete means the task is done and is dropped by the scheduler.
	Complete Result = iota
	// RunAgain asks the scheduler to resubmit the same task with a new
	// sequence number.
	RunAgain
)

func (r Result) String() string {
	switch r {
	case Complete:
		return "complete"
	case RunAgain:
		return "run_again"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// State is the scheduling state of a task.
type State int32

const (
	StateInit State = iota
	StateWaiting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Body is the work a task performs. The context carries the task itself
// (see FromContext) and is cancelled when the executor shuts down.
type Body func(ctx context.Context) Result

// Outcome is the completion report an Executor sends back for one run.
type Outcome struct {
	Result  Result
	RunTime time.Duration
}

// Task is a unit of work. It belongs to the caller until Enqueue, then to
// the scheduler until it completes or Cancel returns Cancelled.
type Task struct {
	kind     int
	instance int
	body     Body
	desc     string
	onCancel func(*Task)

	seq   atomic.Uint64
	state atomic.Int32

	// guarded by Scheduler.mu
	recycle           bool
	cancel            bool
	enqueuedAt        time.Time
	executeThreshold  time.Duration
	scheduleThreshold time.Duration
}

type TaskOption func(*Task)

// WithDescription sets a human readable label used in logs and snapshots.
func WithDescription(desc string) TaskOption {
	return func(t *Task) { t.desc = desc }
}

// WithCancelHook registers fn to run when the scheduler drops a task whose
// cancel flag was set while it was running. fn runs without scheduler locks
// held.
func WithCancelHook(fn func(*Task)) TaskOption {
	return func(t *Task) { t.onCancel = fn }
}

// NewTask creates a task of kind that is not bound to an instance.
func NewTask(kind int, body Body, opts ...TaskOption) *Task {
	return NewInstanceTask(kind, NoInstance, body, opts...)
}

// NewInstanceTask creates a task of kind bound to instance.
func NewInstanceTask(kind, instance int, body Body, opts ...TaskOption) *Task {
	if body == nil {
		panic("scheduler: task body is nil")
	}
	if kind < 0 {
		panic(fmt.Sprintf("scheduler: invalid kind id %d", kind))
	}
	if instance < NoInstance {
		panic(fmt.Sprintf("scheduler: invalid instance %d", instance))
	}
	t := &Task{kind: kind, instance: instance, body: body}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	return t
}

func (t *Task) Kind() int           { return t.kind }
func (t *Task) Instance() int       { return t.instance }
func (t *Task) Description() string { return t.desc }

// Seq is the sequence number of the current submission, 0 when the task is
// not submitted.
func (t *Task) Seq() uint64 { return t.seq.Load() }

func (t *Task) State() State { return State(t.state.Load()) }

func (t *Task) setState(s State) { t.state.Store(int32(s)) }

// EnqueuedAt is when the current submission was accepted.
func (t *Task) EnqueuedAt() time.Time { return t.enqueuedAt }

// ExecuteThreshold is the run time above which executors report the task
// as slow. Zero disables the check.
func (t *Task) ExecuteThreshold() time.Duration { return t.executeThreshold }

// ScheduleThreshold is the enqueue-to-start delay above which executors
// report the task as slow. Zero disables the check.
func (t *Task) ScheduleThreshold() time.Duration { return t.scheduleThreshold }

// Run invokes the body. Executors call it exactly once per dispatch.
func (t *Task) Run(ctx context.Context) Result {
	return t.body(context.WithValue(ctx, runningKey{}, t))
}

func (t *Task) String() string {
	if t.desc != "" {
		return fmt.Sprintf("task<%d,%d:%d %s>", t.kind, t.instance, t.Seq(), t.desc)
	}
	return fmt.Sprintf("task<%d,%d:%d>", t.kind, t.instance, t.Seq())
}

// reset returns the task to its unsubmitted state.
func (t *Task) reset() {
	t.seq.Store(0)
	t.setState(StateInit)
	t.recycle = false
	t.cancel = false
}

type runningKey struct{}

// FromContext returns the task whose body is executing with ctx.
func FromContext(ctx context.Context) (*Task, bool) {
	if ctx == nil {
		return nil, false
	}
	t, ok := ctx.Value(runningKey{}).(*Task)
	return t, ok
}
