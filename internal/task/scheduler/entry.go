package scheduler

import "fmt"

// entry tracks one (kind, instance): the tasks waiting on it, the run
// count, and the entries parked until it goes idle.
//
// A concrete-instance entry lists itself as a policy partner. That is how
// two tasks of the same (kind, instance) exclude each other, and why such an
// entry parks in its own defer set while its head task runs.
type entry struct {
	group    *group
	instance int

	runCount int
	running  *Task
	waitq    waitQueue
	policy   []*entry
	deferred *deferSet

	// parked is the defer set currently holding this entry, nil if none.
	parked   *deferSet
	deferKey uint64

	stats Stats
}

func newEntry(g *group, instance int) *entry {
	e := &entry{group: g, instance: instance, waitq: newWaitQueue()}
	e.deferred = newDeferSet(fmt.Sprintf("entry %d/%d", g.kind, instance), &e.stats)
	if instance != NoInstance {
		e.policy = append(e.policy, e)
	}
	return e
}

func (e *entry) String() string {
	return fmt.Sprintf("entry<%d,%d>", e.group.kind, e.instance)
}

func (e *entry) addPolicy(p *entry) { e.policy = append(e.policy, p) }

func (e *entry) waitEnqueue(t *Task) {
	t.setState(StateWaiting)
	e.waitq.push(t)
	e.stats.Waited++
	e.group.stats.Waited++
}

// violator returns the first policy partner that is running, if any.
func (e *entry) violator() *entry {
	for _, p := range e.policy {
		if p.runCount != 0 {
			return p
		}
	}
	return nil
}

// tryDefer parks e under a running policy partner. t joins the wait queue
// only when it is the first pending task; otherwise it is already there.
func (e *entry) tryDefer(t *Task) bool {
	v := e.violator()
	if v == nil {
		return false
	}
	if e.waitq.len() == 0 {
		e.waitEnqueue(t)
	}
	v.deferred.insert(e)
	return true
}

func (e *entry) runTask(t *Task) {
	e.stats.Run++
	if e.instance != NoInstance {
		if e.running != nil || e.runCount != 0 {
			panic(fmt.Sprintf("scheduler: %v starting %v while %v runs", e, t, e.running))
		}
		e.running = t
	}
	e.runCount++
	e.group.taskStarted()
	t.setState(StateRunning)
	s := e.group.sched
	s.ready = append(s.ready, t)
}

// runWaitQueue starts waiting work: only the head for a concrete instance
// (parking the entry on itself for the rest), everything otherwise.
func (e *entry) runWaitQueue() {
	if e.instance != NoInstance {
		t := e.waitq.pop()
		if t == nil {
			return
		}
		e.runTask(t)
		if e.waitq.len() != 0 {
			e.deferred.insert(e)
		}
		return
	}
	for t := e.waitq.pop(); t != nil; t = e.waitq.pop() {
		e.runTask(t)
	}
}

// runDeferred resumes a parked entry after re-checking group then entry
// policy.
func (e *entry) runDeferred() {
	t := e.waitq.head()
	if t == nil {
		panic(fmt.Sprintf("scheduler: resumed %v with an empty wait queue", e))
	}
	if e.group.tryDefer(e, t) {
		return
	}
	if e.tryDefer(t) {
		return
	}
	e.runWaitQueue()
}

// runCombinedDeferred merge-drains the group's and this entry's defer sets
// by key. On equal keys the entry side goes first.
func (e *entry) runCombinedDeferred() {
	g := e.group
	var lastG, lastE uint64
	ge, ee := g.deferred.after(lastG), e.deferred.after(lastE)
	for ge != nil && ee != nil {
		if ge.deferKey < ee.deferKey {
			lastG = ge.deferKey
			g.deferred.remove(ge)
			ge.runDeferred()
		} else {
			lastE = ee.deferKey
			e.deferred.remove(ee)
			ee.runDeferred()
		}
		ge, ee = g.deferred.after(lastG), e.deferred.after(lastE)
	}
	switch {
	case ge != nil:
		g.deferred.drain()
	case ee != nil:
		e.deferred.drain()
	}
}

func (e *entry) taskExited(t *Task) {
	if e.instance != NoInstance {
		if e.running != t || e.runCount != 1 {
			panic(fmt.Sprintf("scheduler: %v exit of %v, running %v count %d", e, t, e.running, e.runCount))
		}
		e.running = nil
	}
	if e.runCount <= 0 {
		panic(fmt.Sprintf("scheduler: %v exit of %v with run count %d", e, t, e.runCount))
	}
	e.runCount--
	e.stats.Completed++

	g := e.group
	g.taskExited()
	switch {
	case g.runCount == 0 && e.runCount == 0:
		e.runCombinedDeferred()
	case g.runCount == 0:
		g.deferred.drain()
	case e.runCount == 0:
		e.deferred.drain()
	}
}

func (e *entry) idle() bool { return e.runCount == 0 && e.waitq.len() == 0 }
