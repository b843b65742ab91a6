package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration setting at path. An empty value is
// 0; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

type durationField struct {
	path string
	raw  string
}

// durationFields lists every duration setting in cfg with its path.
func durationFields(cfg *Config) []durationField {
	f := []durationField{
		{"scheduler.execute_threshold", cfg.Scheduler.ExecuteThreshold},
		{"scheduler.schedule_threshold", cfg.Scheduler.ScheduleThreshold},
		{"monitor.poll_interval", cfg.Monitor.PollInterval},
		{"monitor.inactivity_timeout", cfg.Monitor.InactivityTimeout},
		{"monitor.journal_every", cfg.Monitor.JournalEvery},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"introspect.read_timeout", cfg.Introspect.ReadTimeout},
		{"introspect.write_timeout", cfg.Introspect.WriteTimeout},
		{"introspect.idle_timeout", cfg.Introspect.IdleTimeout},
		{"cron.startup_spread", cfg.Cron.StartupSpread},
	}
	for i, k := range cfg.Scheduler.Kinds {
		p := fmt.Sprintf("scheduler.kinds[%d]", i)
		f = append(f,
			durationField{p + ".execute_threshold", k.ExecuteThreshold},
			durationField{p + ".schedule_threshold", k.ScheduleThreshold},
		)
	}
	for i, t := range cfg.Triggers {
		f = append(f, durationField{fmt.Sprintf("triggers[%d].work", i), t.Work})
	}
	return f
}
