package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

func noop(context.Context) Result { return Complete }

type dispatched struct {
	task *Task
	done func(Outcome)
}

// manualExecutor parks dispatched tasks until the test finishes them, so
// tests pick the completion order.
type manualExecutor struct {
	mu      sync.Mutex
	pending []dispatched
	order   []*Task
}

func (m *manualExecutor) Execute(t *Task, done func(Outcome)) {
	m.mu.Lock()
	m.pending = append(m.pending, dispatched{task: t, done: done})
	m.order = append(m.order, t)
	m.mu.Unlock()
}

func (m *manualExecutor) running() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.pending))
	for _, d := range m.pending {
		out = append(out, d.task)
	}
	return out
}

func (m *manualExecutor) started() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Task(nil), m.order...)
}

// finish runs the body of a dispatched task and reports its outcome.
func (m *manualExecutor) finish(tb testing.TB, t *Task) {
	tb.Helper()
	m.mu.Lock()
	idx := -1
	for i, d := range m.pending {
		if d.task == t {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		tb.Fatalf("%v was not dispatched", t)
		return
	}
	d := m.pending[idx]
	m.pending = append(m.pending[:idx], m.pending[idx+1:]...)
	m.mu.Unlock()

	res := d.task.Run(context.Background())
	d.done(Outcome{Result: res})
}

// finishAll completes dispatched tasks, oldest first, until none remain.
func (m *manualExecutor) finishAll(tb testing.TB) {
	tb.Helper()
	for {
		r := m.running()
		if len(r) == 0 {
			return
		}
		m.finish(tb, r[0])
	}
}

// goExecutor runs every body on its own goroutine.
type goExecutor struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

func (g *goExecutor) Execute(t *Task, done func(Outcome)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		start := time.Now()
		res := t.Run(context.Background())
		done(Outcome{Result: res, RunTime: time.Since(start)})
	}()
}

func (g *goExecutor) Stop(ctx context.Context) {
	g.wg.Wait()
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()
}

// inlineExecutor completes every task before Execute returns.
type inlineExecutor struct{}

func (inlineExecutor) Execute(t *Task, done func(Outcome)) {
	done(Outcome{Result: t.Run(context.Background())})
}

func waitEmpty(tb testing.TB, s *Scheduler) {
	tb.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !s.IsEmpty() {
		if time.Now().After(deadline) {
			tb.Fatalf("scheduler did not drain: %+v", s.Counters())
		}
		time.Sleep(time.Millisecond)
	}
}

func mustPanic(tb testing.TB, name string, fn func()) {
	tb.Helper()
	defer func() {
		if recover() == nil {
			tb.Fatalf("%s: expected panic", name)
		}
	}()
	fn()
}

func kindsOf(ts []*Task) []int {
	out := make([]int, len(ts))
	for i, t := range ts {
		out[i] = t.Kind()
	}
	return out
}

func sameTasks(got, want []*Task) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
