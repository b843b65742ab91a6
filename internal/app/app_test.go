package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"ctrlsched/internal/config"
	"ctrlsched/internal/task/scheduler"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename config: %v", err)
	}
}

func baseConfig(dir string, workers int) string {
	return `
logging:
  level: debug
  file:
    enabled: true
    path: ` + filepath.Join(dir, "ctrlschedd.log") + `
scheduler:
  kinds:
    - name: demo.sweep
      exclusions:
        - kind: demo.table
    - name: demo.table
      execute_threshold: 500ms
engine:
  workers: ` + strconv.Itoa(workers) + `
storage:
  driver: file
  path: ` + filepath.Join(dir, "journal") + `
triggers:
  - name: sweep
    kind: demo.sweep
    schedule: "@every 1h"
    runs: 2
    work: 1ms
`
}

func newTestApp(t *testing.T, workers int) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ctrlschedd.yaml")
	writeConfig(t, path, baseConfig(dir, workers))
	a, err := New(path, WithNotifier(func(string) (bool, error) { return false, nil }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, path
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"bad level", "logging:\n  level: loud\n"},
		{"bad trigger schedule", "triggers:\n  - name: x\n    kind: k\n    schedule: sometimes\n"},
		{"unknown field", "engine:\n  pool: 3\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "c.yaml")
			writeConfig(t, path, tt.body)
			if _, err := New(path); err == nil {
				t.Fatalf("New(%q) succeeded, want error", tt.body)
			}
		})
	}
}

func TestConfigureScheduler(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, 1)
	defer func() {
		_ = a.closeStore()
		_ = a.logs.Close()
	}()

	sweep, ok := a.sched.LookupKind("demo.sweep")
	if !ok || sweep != 1 {
		t.Fatalf("LookupKind(demo.sweep) = %d, %v, want 1, true", sweep, ok)
	}
	table, ok := a.sched.LookupKind("demo.table")
	if !ok || table != 2 {
		t.Fatalf("LookupKind(demo.table) = %d, %v, want 2, true", table, ok)
	}
	ks, ok := a.sched.KindSnapshot(sweep)
	if !ok || !ks.PolicySet {
		t.Fatalf("KindSnapshot(sweep).PolicySet = %v, want true", ks.PolicySet)
	}
	if len(ks.Policy) != 1 || ks.Policy[0] != table {
		t.Fatalf("sweep policy = %v, want [%d]", ks.Policy, table)
	}
	ts, _ := a.sched.KindSnapshot(table)
	if ts.ExecuteThreshold != 500*time.Millisecond {
		t.Fatalf("table execute threshold = %v, want 500ms", ts.ExecuteThreshold)
	}
}

func TestMapTriggerDefs(t *testing.T) {
	t.Parallel()
	two := 2
	cfg := &config.Config{Triggers: []config.TriggerConfig{
		{Name: " a ", Kind: "k", Schedule: "every:5s", Work: "20ms"},
		{Name: "b", Kind: "k", Instance: &two, Schedule: "@hourly", Runs: 3},
	}}
	defs, err := mapTriggerDefs(cfg)
	if err != nil {
		t.Fatalf("mapTriggerDefs: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}
	if defs[0].Name != "a" || defs[0].Instance != scheduler.NoInstance || defs[0].Work != 20*time.Millisecond {
		t.Fatalf("defs[0] = %+v", defs[0])
	}
	if defs[1].Instance != 2 || defs[1].Runs != 3 {
		t.Fatalf("defs[1] = %+v", defs[1])
	}

	cfg.Triggers[0].Work = "soon"
	if _, err := mapTriggerDefs(cfg); err == nil {
		t.Fatalf("mapTriggerDefs with bad work succeeded, want error")
	}
}

func TestStartFireStop(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, 2)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	submitted, err := a.triggers.Fire("sweep")
	if err != nil || !submitted {
		t.Fatalf("Fire(sweep) = %v, %v, want true, nil", submitted, err)
	}
	// runs: 2 recycles the task once; each pass counts as a submission.
	waitFor(t, 2*time.Second, "trigger task to complete", func() bool {
		c := a.sched.Counters()
		return c.Submitted == 2 && c.Completed == 2 && c.Outstanding() == 0
	})
	if n := a.engine.Snapshot().Executed; n != 2 {
		t.Fatalf("engine executed = %d, want 2", n)
	}
	if _, ok := a.runtimeSnapshots()["app"]; !ok {
		t.Fatalf("runtime snapshots missing app supervisor")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.sched.Running() {
		t.Fatalf("scheduler still running after Stop")
	}
	if a.engine.Running() {
		t.Fatalf("engine still running after Stop")
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
}

func TestReloadAppliesEngineWorkers(t *testing.T) {
	t.Parallel()
	a, path := newTestApp(t, 1)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	}()

	dir := filepath.Dir(path)
	// The watcher may start after the first write. Retry, spacing writes
	// well past the reload debounce so a pending reload is never re-armed.
	deadline := time.Now().Add(10 * time.Second)
	for a.engine.Snapshot().Workers != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("engine workers = %d, want 3", a.engine.Snapshot().Workers)
		}
		writeConfig(t, path, baseConfig(dir, 3))
		wait := time.Now().Add(time.Second)
		for time.Now().Before(wait) && a.engine.Snapshot().Workers != 3 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if a.cfgm.Get().Engine.Workers != 3 {
		t.Fatalf("committed workers = %d, want 3", a.cfgm.Get().Engine.Workers)
	}
}

func TestTaskPanicStopsApp(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, 1)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	kind := a.sched.InternKind("demo.crash")
	a.sched.Enqueue(scheduler.NewTask(kind, func(context.Context) scheduler.Result {
		panic("boom")
	}))

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("app not canceled after task panic")
	}
	if err := a.Err(); !errors.Is(err, ErrTaskPanicked) {
		t.Fatalf("Err() = %v, want ErrTaskPanicked", err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Stop(ctx, StopFatalError)
	if took := time.Since(start); took > 5*time.Second {
		t.Fatalf("Stop after panic took %v", took)
	}

	logs, err := os.ReadFile(a.cfgm.Get().Logging.File.Path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(logs), "task panicked; shutting down") {
		t.Fatalf("log missing fatal line")
	}
}
