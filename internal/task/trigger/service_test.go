package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ctrlsched/internal/eventbus"
	"ctrlsched/internal/task/scheduler"
	logx "ctrlsched/pkg/logx"
)

type parked struct {
	task *scheduler.Task
	done func(scheduler.Outcome)
}

// parkExecutor holds dispatched tasks until the test runs them.
type parkExecutor struct {
	mu      sync.Mutex
	pending []parked
}

func (p *parkExecutor) Execute(t *scheduler.Task, done func(scheduler.Outcome)) {
	p.mu.Lock()
	p.pending = append(p.pending, parked{task: t, done: done})
	p.mu.Unlock()
}

func (p *parkExecutor) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// step runs the oldest parked task once.
func (p *parkExecutor) step(tb testing.TB) *scheduler.Task {
	tb.Helper()
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		tb.Fatalf("no parked task")
		return nil
	}
	d := p.pending[0]
	p.pending = p.pending[1:]
	p.mu.Unlock()
	d.done(scheduler.Outcome{Result: d.task.Run(context.Background())})
	return d.task
}

func newTestService(t *testing.T) (*Service, *scheduler.Scheduler, *parkExecutor) {
	t.Helper()
	exec := &parkExecutor{}
	sched := scheduler.New(exec)
	return New(Config{}, sched, logx.Nop(), nil), sched, exec
}

func TestFireSkipsWhileTaskPending(t *testing.T) {
	t.Parallel()

	exec := &parkExecutor{}
	sched := scheduler.New(exec)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	svc := New(Config{}, sched, logx.Nop(), bus)
	if err := svc.Apply([]Def{{Name: "sync", Schedule: "1h", Kind: "bgp.sync", Instance: 2, Runs: 3}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	mustFire := func(want bool) {
		t.Helper()
		got, err := svc.Fire("sync")
		if err != nil {
			t.Fatalf("Fire: %v", err)
		}
		if got != want {
			t.Fatalf("Fire = %v, want %v", got, want)
		}
	}

	mustFire(true)
	mustFire(false)
	first := exec.step(t)
	if first.Kind() != sched.InternKind("bgp.sync") || first.Instance() != 2 || first.Description() != "sync" {
		t.Fatalf("task = kind %d instance %d desc %q", first.Kind(), first.Instance(), first.Description())
	}
	// The body asked to run again; the same task is back with the executor.
	if exec.len() != 1 {
		t.Fatalf("parked = %d, want 1 after RunAgain", exec.len())
	}
	mustFire(false)
	if again := exec.step(t); again != first {
		t.Fatalf("second run on %v, want %v", again, first)
	}
	exec.step(t)
	if exec.len() != 0 || !sched.IsEmpty() {
		t.Fatalf("task still owned after %d runs", 3)
	}
	mustFire(true)

	info := svc.Snapshot().Triggers[0]
	if info.Fired != 2 || info.Skipped != 2 || !info.InFlight {
		t.Fatalf("info = %+v, want fired 2 skipped 2 in flight", info)
	}
	st, _ := sched.EntryStats(first.Kind(), 2)
	if st.Run != 4 || st.Completed != 3 {
		t.Fatalf("entry stats = %+v, want run 4 completed 3", st)
	}

	var fired, skipped int
	for i := 0; i < 4; i++ {
		select {
		case ev := <-events:
			switch ev.Type {
			case eventbus.TriggerFired:
				fired++
			case eventbus.TriggerSkipped:
				skipped++
				if ev.Data.(Event).Seq == 0 {
					t.Fatalf("skip event without pending seq")
				}
			}
		case <-time.After(time.Second):
			t.Fatalf("missing trigger events: fired %d skipped %d", fired, skipped)
		}
	}
	if fired != 2 || skipped != 2 {
		t.Fatalf("events fired %d skipped %d, want 2 and 2", fired, skipped)
	}
}

// holdExecutor runs each task on its own goroutine, except that the
// hold'th execution waits for release.
type holdExecutor struct {
	hold    int
	held    chan struct{}
	release chan struct{}

	mu sync.Mutex
	n  int
}

func (h *holdExecutor) Execute(t *scheduler.Task, done func(scheduler.Outcome)) {
	h.mu.Lock()
	h.n++
	park := h.n == h.hold
	h.mu.Unlock()
	go func() {
		if park {
			close(h.held)
			<-h.release
		}
		done(scheduler.Outcome{Result: t.Run(context.Background())})
	}()
}

func TestFireSkipsWhileTaskRecycles(t *testing.T) {
	t.Parallel()

	const runs = 200
	exec := &holdExecutor{hold: runs, held: make(chan struct{}), release: make(chan struct{})}
	sched := scheduler.New(exec)
	svc := New(Config{}, sched, logx.Nop(), nil)
	if err := svc.Apply([]Def{{Name: "churn", Schedule: "1h", Kind: "churn", Instance: 1, Runs: runs}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ok, err := svc.Fire("churn"); err != nil || !ok {
		t.Fatalf("Fire = %v, %v, want true, nil", ok, err)
	}

	// Fire as fast as possible while the task cycles through its runs.
	skipped := 0
	for running := true; running; {
		select {
		case <-exec.held:
			running = false
		default:
		}
		ok, err := svc.Fire("churn")
		if err != nil {
			t.Fatalf("Fire: %v", err)
		}
		if ok {
			t.Fatalf("Fire submitted a second task after %d skips while the first was recycling", skipped)
		}
		skipped++
	}
	if !svc.Snapshot().Triggers[0].InFlight {
		t.Fatalf("InFlight = false during the final run")
	}

	close(exec.release)
	deadline := time.Now().Add(5 * time.Second)
	for !sched.IsEmpty() {
		if time.Now().After(deadline) {
			t.Fatalf("task still owned after release")
		}
		time.Sleep(time.Millisecond)
	}
	if c := sched.Counters(); c.Submitted != runs || c.Completed != runs {
		t.Fatalf("counters = %+v, want %d submitted and completed", c, runs)
	}
	if info := svc.Snapshot().Triggers[0]; info.Fired != 1 || info.InFlight {
		t.Fatalf("info = %+v, want fired 1 and idle", info)
	}
}

func TestApplyValidates(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	if err := svc.Apply([]Def{{Name: "keep", Schedule: "5m", Kind: "k"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	bad := [][]Def{
		{{Name: "", Schedule: "5m", Kind: "k"}},
		{{Name: "a", Schedule: "5m", Kind: "k"}, {Name: "a", Schedule: "1m", Kind: "k"}},
		{{Name: "a", Schedule: "5m"}},
		{{Name: "a", Schedule: "bogus", Kind: "k"}},
		{{Name: "a", Schedule: "cron:61 * * * *", Kind: "k"}},
		{{Name: "a", Schedule: "5m", Kind: "k", Instance: -2}},
		{{Name: "a", Schedule: "5m", Kind: "k", Work: -time.Second}},
	}
	for i, defs := range bad {
		if err := svc.Apply(defs); err == nil {
			t.Fatalf("Apply(case %d) = nil error", i)
		}
	}
	snap := svc.Snapshot()
	if len(snap.Triggers) != 1 || snap.Triggers[0].Name != "keep" || snap.Triggers[0].Runs != 1 {
		t.Fatalf("triggers after rejected applies = %+v", snap.Triggers)
	}
}

func TestApplyReplacesDefinitions(t *testing.T) {
	t.Parallel()

	svc, sched, exec := newTestService(t)
	defs := []Def{
		{Name: "a", Schedule: "5m", Kind: "k", Instance: scheduler.NoInstance},
		{Name: "b", Schedule: "*/10 * * * *", Kind: "k", Instance: 1},
	}
	if err := svc.Apply(defs); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ok, _ := svc.Fire("a"); !ok {
		t.Fatalf("Fire(a) = false")
	}

	// Changing a keeps its counters and its pending task.
	defs[0].Runs = 2
	defs = defs[:1]
	if err := svc.Apply(defs); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ok, _ := svc.Fire("a"); ok {
		t.Fatalf("Fire(a) submitted while the previous task is pending")
	}
	if _, err := svc.Fire("b"); !errors.Is(err, ErrUnknownTrigger) {
		t.Fatalf("Fire(b) = %v, want %v", err, ErrUnknownTrigger)
	}
	info := svc.Snapshot().Triggers
	if len(info) != 1 || info[0].Fired != 1 || info[0].Skipped != 1 || info[0].Runs != 2 {
		t.Fatalf("snapshot = %+v", info)
	}
	exec.step(t)
	if !sched.IsEmpty() {
		t.Fatalf("scheduler not empty")
	}
}

func TestStartRegistersCronEntries(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	svc.SetConfig(Config{Timezone: "UTC", StartupSpread: time.Second})
	if err := svc.Apply([]Def{
		{Name: "cron", Schedule: "@hourly", Kind: "k"},
		{Name: "interval", Schedule: "every:10m", Kind: "k"},
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	svc.Start(context.Background())
	snap := svc.Snapshot()
	if !snap.Running || snap.Timezone != "UTC" {
		t.Fatalf("snapshot = running %v tz %q", snap.Running, snap.Timezone)
	}
	for _, it := range snap.Triggers {
		if it.Next.IsZero() {
			t.Fatalf("%s: next firing not computed", it.Name)
		}
	}
	if snap.Triggers[1].SpecKind != "interval" || snap.Triggers[1].Schedule != "every 10m0s" {
		t.Fatalf("interval trigger = %+v", snap.Triggers[1])
	}

	// A live apply registers new entries with the running cron.
	if err := svc.Apply([]Def{{Name: "late", Schedule: "0 0 * * *", Kind: "k"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if next := svc.Snapshot().Triggers[0].Next; next.IsZero() {
		t.Fatalf("late trigger not scheduled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
	if svc.Snapshot().Running {
		t.Fatalf("running after Stop")
	}
}

func TestSubmitAfterTerminateIsReported(t *testing.T) {
	t.Parallel()

	svc, sched, _ := newTestService(t)
	if err := svc.Apply([]Def{{Name: "a", Schedule: "1m", Kind: "k"}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	sched.Terminate(context.Background())
	if ok, err := svc.Fire("a"); ok || err != nil {
		t.Fatalf("Fire after terminate = %v, %v, want false, nil", ok, err)
	}
}

func TestWorkBody(t *testing.T) {
	t.Parallel()

	body := workBody(0, 2)
	if got := body(context.Background()); got != scheduler.RunAgain {
		t.Fatalf("first run = %v, want %v", got, scheduler.RunAgain)
	}
	if got := body(context.Background()); got != scheduler.Complete {
		t.Fatalf("second run = %v, want %v", got, scheduler.Complete)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if got := workBody(time.Hour, 5)(ctx); got != scheduler.Complete {
		t.Fatalf("cancelled run = %v, want %v", got, scheduler.Complete)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancelled work did not return promptly")
	}
}
