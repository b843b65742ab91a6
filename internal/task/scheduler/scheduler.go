package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logx "ctrlsched/pkg/logx"
)

// terminateWait bounds how long Terminate polls for outstanding work.
const terminateWait = 10 * time.Second

// Executor runs ready task bodies concurrently. Execute must not block on
// the body; done must be called exactly once, after the body returned.
type Executor interface {
	Execute(t *Task, done func(Outcome))
}

// CancelResult reports what Cancel did.
type CancelResult int

const (
	// Cancelled: the task was waiting and has been removed. The caller owns
	// it again.
	Cancelled CancelResult = iota
	// Failed: the task was never submitted. Nothing changed.
	Failed
	// Queued: the task is running. It finishes, then is dropped instead of
	// recycled.
	Queued
)

func (r CancelResult) String() string {
	switch r {
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	case Queued:
		return "queued"
	default:
		return fmt.Sprintf("cancel_result(%d)", int(r))
	}
}

// Exclusion is one SetPolicy rule. Build it with Exclude or ExcludeInstance.
type Exclusion struct {
	Kind     int
	Instance int
}

// Exclude makes every task of kind exclusive with the policy's kind.
func Exclude(kind int) Exclusion { return Exclusion{Kind: kind, Instance: NoInstance} }

// ExcludeInstance makes instance of kind exclusive with the same instance
// of the policy's kind, and with the policy kind's instance-less tasks.
func ExcludeInstance(kind, instance int) Exclusion {
	return Exclusion{Kind: kind, Instance: instance}
}

// Scheduler coordinates tasks. Create one per process with New and share
// it.
type Scheduler struct {
	mu      sync.Mutex
	exec    Executor
	log     logx.Logger
	now     func() time.Time
	groups  []*group
	seq     uint64
	running bool
	closed  bool
	// held parks entries submitted while stopped.
	held *deferSet

	// Ready tasks and dropped-with-hook tasks are collected under mu and
	// handed off by a single dispatcher after mu is released.
	ready       []*Task
	dropped     []*Task
	dispatching bool

	executeThreshold  time.Duration
	scheduleThreshold time.Duration

	kindMu    sync.RWMutex
	kindIDs   map[string]int
	kindNames map[int]string
	lastKind  int

	submitted atomic.Uint64
	completed atomic.Uint64
	cancelled atomic.Uint64
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithClock replaces time.Now for enqueue timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a running scheduler that dispatches to exec.
func New(exec Executor, opts ...Option) *Scheduler {
	if exec == nil {
		panic("scheduler: nil executor")
	}
	s := &Scheduler{
		exec:      exec,
		now:       time.Now,
		running:   true,
		held:      newDeferSet("stopped", nil),
		kindIDs:   map[string]int{},
		kindNames: map[int]string{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// InternKind returns the id for name, assigning the next free id on first
// use. Ids are never reused or removed.
func (s *Scheduler) InternKind(name string) int {
	s.kindMu.RLock()
	id, ok := s.kindIDs[name]
	s.kindMu.RUnlock()
	if ok {
		return id
	}

	s.kindMu.Lock()
	defer s.kindMu.Unlock()
	if id, ok := s.kindIDs[name]; ok {
		return id
	}
	s.lastKind++
	id = s.lastKind
	s.kindIDs[name] = id
	s.kindNames[id] = name
	return id
}

// LookupKind returns the id interned for name.
func (s *Scheduler) LookupKind(name string) (int, bool) {
	s.kindMu.RLock()
	defer s.kindMu.RUnlock()
	id, ok := s.kindIDs[name]
	return id, ok
}

// KindName returns the name interned for kind, or "" for ids that were
// never interned.
func (s *Scheduler) KindName(kind int) string {
	s.kindMu.RLock()
	defer s.kindMu.RUnlock()
	return s.kindNames[kind]
}

// group returns the group for kind, creating it on first use. Caller holds
// mu.
func (s *Scheduler) group(kind int) *group {
	if kind < 0 {
		panic(fmt.Sprintf("scheduler: invalid kind id %d", kind))
	}
	if kind >= len(s.groups) {
		grown := make([]*group, kind+1)
		copy(grown, s.groups)
		s.groups = grown
	}
	g := s.groups[kind]
	if g == nil {
		g = newGroup(s, kind)
		s.groups[kind] = g
	}
	return g
}

func (s *Scheduler) lookupGroup(kind int) *group {
	if kind < 0 || kind >= len(s.groups) {
		return nil
	}
	return s.groups[kind]
}

// SetPolicy installs the exclusion rules of kind. Rules are symmetric: the
// partner kind (or instance) is blocked by kind as well. A kind's policy
// can be set once.
func (s *Scheduler) SetPolicy(kind int, rules []Exclusion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(kind)
	g.setPolicyOnce()
	for _, r := range rules {
		pg := s.group(r.Kind)
		if r.Instance == NoInstance {
			g.addPolicy(pg)
			pg.addPolicy(g)
			continue
		}
		e := g.entry(r.Instance)
		pe := pg.entry(r.Instance)
		e.addPolicy(pe)
		pe.addPolicy(e)
		g.dflt.addPolicy(pe)
		pe.addPolicy(g.dflt)
	}
	s.log.Debug("policy set", logx.Int("kind", kind), logx.String("name", s.KindName(kind)), logx.Int("rules", len(rules)))
}

// SetLatencyThresholds sets the process-wide slow-task thresholds. A
// task's effective threshold is the larger of this and its kind's.
func (s *Scheduler) SetLatencyThresholds(execute, schedule time.Duration) {
	s.mu.Lock()
	s.executeThreshold = execute
	s.scheduleThreshold = schedule
	s.mu.Unlock()
}

// SetKindLatencyThreshold sets the slow-task thresholds of one kind.
func (s *Scheduler) SetKindLatencyThreshold(kind int, execute, schedule time.Duration) {
	s.mu.Lock()
	g := s.group(kind)
	g.executeThreshold = execute
	g.scheduleThreshold = schedule
	s.mu.Unlock()
}

// Enqueue submits t. It runs now if nothing blocks it, otherwise it is
// parked until whatever blocks it exits. Submitting a task twice panics.
func (s *Scheduler) Enqueue(t *Task) {
	if t == nil {
		panic("scheduler: enqueue of nil task")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		panic(fmt.Sprintf("scheduler: %v enqueued after terminate", t))
	}
	s.enqueueLocked(t)
	s.dispatch()
}

func (s *Scheduler) enqueueLocked(t *Task) {
	if t.Seq() != 0 {
		panic(fmt.Sprintf("scheduler: %v enqueued twice", t))
	}
	if s.closed {
		panic(fmt.Sprintf("scheduler: %v enqueued after terminate", t))
	}
	s.submitted.Add(1)
	s.seq++
	t.seq.Store(s.seq)
	t.enqueuedAt = s.now()

	g := s.group(t.kind)
	e := g.entry(t.instance)
	t.executeThreshold = max(g.executeThreshold, s.executeThreshold)
	t.scheduleThreshold = max(g.scheduleThreshold, s.scheduleThreshold)
	g.stats.Enqueued++
	e.stats.Enqueued++

	if e.waitq.len() != 0 {
		e.waitEnqueue(t)
		return
	}
	if !s.running {
		e.waitEnqueue(t)
		s.held.insert(e)
		return
	}
	if g.tryDefer(e, t) {
		return
	}
	if e.tryDefer(t) {
		return
	}
	e.runTask(t)
}

// Cancel withdraws t. See CancelResult for the outcomes.
func (s *Scheduler) Cancel(t *Task) CancelResult {
	if t == nil {
		return Failed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch t.State() {
	case StateRunning:
		t.cancel = true
		return Queued
	case StateWaiting:
		e := s.group(t.kind).entry(t.instance)
		head := e.waitq.head()
		if !e.waitq.remove(t) {
			panic(fmt.Sprintf("scheduler: waiting %v missing from %v", t, e))
		}
		owner := e.parked
		if owner == nil {
			panic(fmt.Sprintf("scheduler: %v has waiting tasks but is not deferred", e))
		}
		if e.waitq.len() == 0 {
			owner.remove(e)
		} else if head == t {
			owner.rekey(e)
		}
		t.reset()
		s.cancelled.Add(1)
		return Cancelled
	default:
		return Failed
	}
}

// Pending returns the sequence number of t's current submission, or 0 when
// the scheduler no longer owns t. Unlike t.Seq it is read under the
// scheduler lock, so a task being recycled is never reported as released.
func (s *Scheduler) Pending(t *Task) uint64 {
	if t == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.Seq()
}

// onTaskExit is the completion callback handed to the executor.
func (s *Scheduler) onTaskExit(t *Task, o Outcome) {
	s.mu.Lock()
	s.completed.Add(1)

	g := s.group(t.kind)
	e := g.entry(t.instance)
	g.totalRunTime += o.RunTime
	t.recycle = o.Result == RunAgain
	e.taskExited(t)

	if !t.recycle || t.cancel {
		hook := t.cancel && t.onCancel != nil
		t.reset()
		if hook {
			s.dropped = append(s.dropped, t)
		}
	} else {
		t.seq.Store(0)
		t.setState(StateInit)
		t.recycle = false
		s.enqueueLocked(t)
	}
	s.dispatch()
}

// dispatch hands collected work to the executor and releases mu. Only one
// goroutine dispatches at a time, so tasks reach the executor in the order
// they were started, and an executor that completes inline does not
// recurse.
func (s *Scheduler) dispatch() {
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true
	for {
		ready, dropped := s.ready, s.dropped
		s.ready, s.dropped = nil, nil
		if len(ready) == 0 && len(dropped) == 0 {
			s.dispatching = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		for _, t := range dropped {
			t.onCancel(t)
		}
		for _, t := range ready {
			t := t
			s.exec.Execute(t, func(o Outcome) { s.onTaskExit(t, o) })
		}
		s.mu.Lock()
	}
}

// Stop parks new submissions until Start. Running tasks are unaffected.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
}

// Start resumes scheduling and re-evaluates everything parked by Stop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.running = true
	held := s.held.len()
	s.held.drain()
	s.log.Info("scheduler started", logx.Int("resumed", held))
	s.dispatch()
}

// Running reports whether the scheduler accepts work for dispatch.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsEmpty reports whether nothing is running or waiting.
func (s *Scheduler) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g != nil && !g.idle() {
			return false
		}
	}
	return true
}

// IsKindEmpty reports whether no task of kind is running or waiting.
func (s *Scheduler) IsKindEmpty(kind int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.lookupGroup(kind)
	return g == nil || g.idle()
}

// Terminate waits for all work to drain, then shuts the scheduler and its
// executor down. It panics if work is still outstanding when ctx ends or
// the internal wait bound passes. Enqueue after Terminate panics.
func (s *Scheduler) Terminate(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	wctx, cancel := context.WithTimeout(ctx, terminateWait)
	defer cancel()

	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for !s.IsEmpty() {
		select {
		case <-wctx.Done():
			if !s.IsEmpty() {
				c := s.Counters()
				panic(fmt.Sprintf("scheduler: terminate with outstanding work (submitted=%d completed=%d cancelled=%d)",
					c.Submitted, c.Completed, c.Cancelled))
			}
		case <-tick.C:
		}
	}

	s.mu.Lock()
	s.closed = true
	s.running = false
	s.mu.Unlock()

	if st, ok := s.exec.(interface{ Stop(context.Context) }); ok {
		st.Stop(ctx)
	}
	c := s.Counters()
	s.log.Info("scheduler terminated", logx.Uint64("submitted", c.Submitted), logx.Uint64("completed", c.Completed))
}
