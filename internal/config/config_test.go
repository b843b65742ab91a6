package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "ctrlsched/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  execute_threshold: 1s
  kinds:
    - name: bgp.peer
      exclusions:
        - kind: bgp.table
          instance: 0
    - name: bgp.table
      schedule_threshold: 50ms
engine:
  workers: 8
monitor:
  inactivity_timeout: 20s
  watchdog: true
storage:
  driver: file
  path: ./var/journal
introspect:
  enabled: true
  addr: 127.0.0.1:6070
cron:
  timezone: UTC
triggers:
  - name: peer-sweep
    kind: bgp.peer
    instance: 0
    schedule: every:30s
    runs: 3
    work: 10ms
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "ctrlsched.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
	if cfg.Engine.Workers != 8 || cfg.Logging.Level != "debug" || !cfg.Monitor.Watchdog {
		t.Fatalf("cfg = %+v", cfg)
	}
	k := cfg.Scheduler.Kinds[0]
	if k.Name != "bgp.peer" || len(k.Exclusions) != 1 || k.Exclusions[0].Instance == nil || *k.Exclusions[0].Instance != 0 {
		t.Fatalf("kind = %+v", k)
	}
	tr := cfg.Triggers[0]
	if tr.Runs != 3 || tr.Instance == nil || tr.Schedule != "every:30s" {
		t.Fatalf("trigger = %+v", tr)
	}
}

func TestLoadJSONRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", `{"engine":{"workers":2,"queue_size":5}}`, "queue_size"},
		{"trailing data", `{"engine":{}} {"engine":{}}`, "trailing data"},
		{"trailing scalar", `{} 1`, "trailing data"},
		{"trailing garbage", `{"engine":{}} }`, "trailing data"},
		{"bad level", `{"logging":{"level":"loud"}}`, "Level"},
		{"file log without path", `{"logging":{"file":{"enabled":true}}}`, "Path"},
		{"bad duration", `{"monitor":{"poll_interval":"soon"}}`, "monitor.poll_interval"},
		{"negative duration", `{"scheduler":{"execute_threshold":"-1s"}}`, "scheduler.execute_threshold"},
		{"storage without path", `{"storage":{"driver":"file"}}`, "storage.path"},
		{"unknown driver", `{"storage":{"driver":"redis"}}`, "Driver"},
		{"duplicate kind", `{"scheduler":{"kinds":[{"name":"a"},{"name":"a"}]}}`, "duplicate kind"},
		{"exclusion without kind", `{"scheduler":{"kinds":[{"name":"a","exclusions":[{}]}]}}`, "Kind"},
		{"bad schedule", `{"triggers":[{"name":"t","kind":"k","schedule":"whenever"}]}`, "triggers[0].schedule"},
		{"duplicate trigger", `{"triggers":[{"name":"t","kind":"k","schedule":"1m"},{"name":"t","kind":"k","schedule":"2m"}]}`, "duplicate trigger"},
		{"bad timezone", `{"cron":{"timezone":"Mars/Olympus"}}`, "cron.timezone"},
		{"bad addr", `{"introspect":{"addr":"localhost"}}`, "introspect.addr"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewConfigManager(writeFile(t, "c.json", tt.body)).Load()
			if err == nil {
				t.Fatalf("Load = nil error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestEmptyYAMLIsValid(t *testing.T) {
	t.Parallel()

	if _, err := NewConfigManager(writeFile(t, "empty.yml", "")).Load(); err != nil {
		t.Fatalf("Load(empty) = %v", err)
	}
}

func TestReloadSkipsUnchangedAndInvalid(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "c.json", `{"engine":{"workers":2}}`)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)
	ctx := context.Background()

	// Formatting only.
	if err := os.WriteFile(path, []byte("{ \"engine\": { \"workers\": 2 } }\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(ctx) {
		t.Fatalf("reload published an unchanged config")
	}

	if err := os.WriteFile(path, []byte(`{"engine":{"workers":-1}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(ctx) {
		t.Fatalf("reload published an invalid config")
	}

	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Engine.Workers == 13 {
			return os.ErrInvalid
		}
		return nil
	})
	if err := os.WriteFile(path, []byte(`{"engine":{"workers":13}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(ctx) {
		t.Fatalf("reload ignored the validator")
	}

	if err := os.WriteFile(path, []byte(`{"engine":{"workers":3}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if !m.reload(ctx) {
		t.Fatalf("reload did not publish a changed config")
	}
	if got := <-ch; got.Engine.Workers != 3 || m.Get().Engine.Workers != 3 {
		t.Fatalf("published workers = %d", got.Engine.Workers)
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	m.publish(&Config{Engine: EngineConfig{Workers: 1}})
	m.publish(&Config{Engine: EngineConfig{Workers: 2}})
	if got := <-ch; got.Engine.Workers != 2 {
		t.Fatalf("workers = %d, want 2", got.Engine.Workers)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel open after Unsubscribe")
	}
	m.publish(&Config{})
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "c.yaml", "engine:\n  workers: 2\n")
	m := NewConfigManager(path)
	m.SetLogger(logx.Nop())
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch = %v", err)
		}
	}()

	// The watcher may not be registered yet; keep rewriting until a
	// reload lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Engine.Workers != 6 {
				t.Fatalf("workers = %d, want 6", cfg.Engine.Workers)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte("engine:\n  workers: 6\n"), 0o600); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	zero := 0
	old := &Config{
		Engine:     EngineConfig{Workers: 2},
		Introspect: IntrospectConfig{Enabled: true, Token: "a"},
		Triggers:   []TriggerConfig{{Name: "t", Kind: "k", Schedule: "1m", Instance: &zero}},
	}
	same := *old
	same.Triggers = []TriggerConfig{{Name: "t", Kind: "k", Schedule: "1m", Instance: new(int)}}
	if ch := SummarizeConfigChange(old, &same); !ch.Empty() {
		t.Fatalf("sections = %v, want none", ch.Sections)
	}

	next := same
	next.Engine.Workers = 4
	next.Introspect.Token = "b"
	next.Scheduler.Kinds = []KindConfig{{Name: "x"}}
	ch := SummarizeConfigChange(old, &next)
	if got := strings.Join(ch.Sections, ","); got != "scheduler,engine,introspect" {
		t.Fatalf("sections = %s", got)
	}
	if len(ch.RestartRequired) != 1 || ch.RestartRequired[0] != "scheduler" {
		t.Fatalf("restart required = %v", ch.RestartRequired)
	}
	if len(ch.Attrs) == 0 {
		t.Fatalf("no attrs for changed sections")
	}
}
