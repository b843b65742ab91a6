package scheduler

import (
	"fmt"
	"time"
)

// group aggregates every entry of one kind.
type group struct {
	sched *Scheduler
	kind  int

	policySet bool
	runCount  int
	policy    []*group
	deferred  *deferSet

	// entries is indexed by instance and grows on demand; dflt holds
	// NoInstance tasks.
	entries []*entry
	dflt    *entry

	stats        Stats
	totalRunTime time.Duration

	executeThreshold  time.Duration
	scheduleThreshold time.Duration
}

func newGroup(s *Scheduler, kind int) *group {
	g := &group{sched: s, kind: kind}
	g.deferred = newDeferSet(fmt.Sprintf("kind %d", kind), &g.stats)
	g.dflt = newEntry(g, NoInstance)
	return g
}

func (g *group) String() string { return fmt.Sprintf("group<%d>", g.kind) }

// entry returns the entry for instance, creating it on first use.
func (g *group) entry(instance int) *entry {
	if instance == NoInstance {
		return g.dflt
	}
	if instance < NoInstance {
		panic(fmt.Sprintf("scheduler: invalid instance %d for kind %d", instance, g.kind))
	}
	if instance >= len(g.entries) {
		grown := make([]*entry, instance+1)
		copy(grown, g.entries)
		g.entries = grown
	}
	e := g.entries[instance]
	if e == nil {
		e = newEntry(g, instance)
		g.entries[instance] = e
	}
	return e
}

// lookup is entry without creation.
func (g *group) lookup(instance int) *entry {
	if instance == NoInstance {
		return g.dflt
	}
	if instance < 0 || instance >= len(g.entries) {
		return nil
	}
	return g.entries[instance]
}

func (g *group) each(fn func(e *entry)) {
	fn(g.dflt)
	for _, e := range g.entries {
		if e != nil {
			fn(e)
		}
	}
}

func (g *group) setPolicyOnce() {
	if g.policySet {
		panic(fmt.Sprintf("scheduler: policy for kind %d set twice", g.kind))
	}
	g.policySet = true
}

func (g *group) addPolicy(p *group) { g.policy = append(g.policy, p) }

func (g *group) violator() *group {
	for _, p := range g.policy {
		if p.runCount != 0 {
			return p
		}
	}
	return nil
}

// tryDefer parks e under a running partner group. t joins e's wait queue
// only when it is e's first pending task.
func (g *group) tryDefer(e *entry, t *Task) bool {
	v := g.violator()
	if v == nil {
		return false
	}
	if e.waitq.len() == 0 {
		e.waitEnqueue(t)
	}
	v.deferred.insert(e)
	return true
}

func (g *group) taskStarted() {
	g.runCount++
	g.stats.Run++
}

func (g *group) taskExited() {
	if g.runCount <= 0 {
		panic(fmt.Sprintf("scheduler: kind %d exit with run count %d", g.kind, g.runCount))
	}
	g.runCount--
	g.stats.Completed++
}

func (g *group) idle() bool {
	if g.runCount != 0 {
		return false
	}
	idle := true
	g.each(func(e *entry) {
		if e.waitq.len() != 0 {
			idle = false
		}
	})
	return idle
}
