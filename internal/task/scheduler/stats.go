package scheduler

import "time"

// Stats are cumulative counters kept per kind and per (kind, instance).
//
// Deferred counts how often other entries were parked under this one (or
// this kind); Waited counts tasks that had to queue.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Waited    uint64 `json:"waited"`
	Run       uint64 `json:"run"`
	Deferred  uint64 `json:"deferred"`
	Completed uint64 `json:"completed"`
}

// Counters are process-wide totals readable without the scheduler lock.
// Submitted counts every enqueue including recycles.
type Counters struct {
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Cancelled uint64 `json:"cancelled"`
}

// Outstanding is the number of submissions not yet completed or cancelled.
func (c Counters) Outstanding() uint64 {
	done := c.Completed + c.Cancelled
	if done >= c.Submitted {
		return 0
	}
	return c.Submitted - done
}

func (s *Scheduler) Counters() Counters {
	return Counters{
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Cancelled: s.cancelled.Load(),
	}
}

// GroupStats returns the counters of kind, false if kind was never used.
func (s *Scheduler) GroupStats(kind int) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.lookupGroup(kind)
	if g == nil {
		return Stats{}, false
	}
	return g.stats, true
}

// EntryStats returns the counters of (kind, instance).
func (s *Scheduler) EntryStats(kind, instance int) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.lookupGroup(kind)
	if g == nil {
		return Stats{}, false
	}
	e := g.lookup(instance)
	if e == nil {
		return Stats{}, false
	}
	return e.stats, true
}

// ClearStats zeroes every kind and entry counter. Counters are unaffected.
func (s *Scheduler) ClearStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g != nil {
			g.clearStats()
		}
	}
}

// ClearKindStats zeroes the counters of one kind and its entries.
func (s *Scheduler) ClearKindStats(kind int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.lookupGroup(kind); g != nil {
		g.clearStats()
	}
}

func (g *group) clearStats() {
	g.stats = Stats{}
	g.totalRunTime = 0
	g.each(func(e *entry) { e.stats = Stats{} })
}

// EntryRef names an entry. Key is its defer-set key where that applies.
type EntryRef struct {
	Kind     int    `json:"kind"`
	Instance int    `json:"instance"`
	Key      uint64 `json:"key,omitempty"`
}

type EntrySnapshot struct {
	Instance    int        `json:"instance"`
	RunCount    int        `json:"run_count"`
	Running     uint64     `json:"running,omitempty"`
	Waiting     []uint64   `json:"waiting,omitempty"`
	Policy      []EntryRef `json:"policy,omitempty"`
	Deferred    []EntryRef `json:"deferred,omitempty"`
	DeferredOn  string     `json:"deferred_on,omitempty"`
	DeferredKey uint64     `json:"deferred_key,omitempty"`
	Stats       Stats      `json:"stats"`
}

type KindSnapshot struct {
	Kind              int             `json:"kind"`
	Name              string          `json:"name,omitempty"`
	PolicySet         bool            `json:"policy_set"`
	RunCount          int             `json:"run_count"`
	Policy            []int           `json:"policy,omitempty"`
	Deferred          []EntryRef      `json:"deferred,omitempty"`
	Stats             Stats           `json:"stats"`
	TotalRunTime      time.Duration   `json:"total_run_time"`
	ExecuteThreshold  time.Duration   `json:"execute_threshold,omitempty"`
	ScheduleThreshold time.Duration   `json:"schedule_threshold,omitempty"`
	Entries           []EntrySnapshot `json:"entries"`
}

// Snapshot is a point-in-time view for introspection.
type Snapshot struct {
	Running  bool           `json:"running"`
	Seq      uint64         `json:"seq"`
	Counters Counters       `json:"counters"`
	Held     []EntryRef     `json:"held,omitempty"`
	Kinds    []KindSnapshot `json:"kinds"`
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:  s.running,
		Seq:      s.seq,
		Counters: s.Counters(),
		Held:     s.held.refs(),
		Kinds:    make([]KindSnapshot, 0, len(s.groups)),
	}
	for _, g := range s.groups {
		if g != nil {
			snap.Kinds = append(snap.Kinds, s.kindSnapshot(g))
		}
	}
	return snap
}

// KindSnapshot returns the view of one kind.
func (s *Scheduler) KindSnapshot(kind int) (KindSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.lookupGroup(kind)
	if g == nil {
		return KindSnapshot{}, false
	}
	return s.kindSnapshot(g), true
}

func (s *Scheduler) kindSnapshot(g *group) KindSnapshot {
	ks := KindSnapshot{
		Kind:              g.kind,
		Name:              s.KindName(g.kind),
		PolicySet:         g.policySet,
		RunCount:          g.runCount,
		Deferred:          g.deferred.refs(),
		Stats:             g.stats,
		TotalRunTime:      g.totalRunTime,
		ExecuteThreshold:  g.executeThreshold,
		ScheduleThreshold: g.scheduleThreshold,
	}
	for _, p := range g.policy {
		ks.Policy = append(ks.Policy, p.kind)
	}
	g.each(func(e *entry) {
		es := EntrySnapshot{
			Instance: e.instance,
			RunCount: e.runCount,
			Waiting:  e.waitq.seqs(),
			Deferred: e.deferred.refs(),
			Stats:    e.stats,
		}
		if e.running != nil {
			es.Running = e.running.Seq()
		}
		for _, p := range e.policy {
			es.Policy = append(es.Policy, EntryRef{Kind: p.group.kind, Instance: p.instance})
		}
		if e.parked != nil {
			es.DeferredOn = e.parked.owner
			es.DeferredKey = e.deferKey
		}
		ks.Entries = append(ks.Entries, es)
	})
	return ks
}
