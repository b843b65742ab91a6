package trigger

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "cron with seconds", raw: "30 */5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 90s", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "EVERY: 2h30m", kind: SpecInterval, source: "duration", duration: 150 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
		{name: "long hhmm", raw: "every:100:00", kind: SpecInterval, source: "hhmm", duration: 100 * time.Hour},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "every:", "interval:-5s", "00:00", "0s", "01:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) = nil error", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("parseHHMM = %d:%d, want 23:15", h, m)
	}
	if _, _, err := parseHHMM("12:60"); err == nil {
		t.Fatal("expected error for invalid minutes")
	}
	if _, _, err := parseHHMM("1230"); err == nil {
		t.Fatal("expected error for missing colon")
	}
}

func TestIntervalSpread(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	sched, jitter := intervalSchedule(time.Minute, 0, now, "a")
	if jitter != 0 {
		t.Fatalf("jitter = %v, want 0", jitter)
	}
	if got := sched.Next(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("Next = %v, want %v", got, now.Add(time.Minute))
	}

	sched, jitter = intervalSchedule(time.Minute, 10*time.Second, now, "a")
	if jitter < 0 || jitter >= 10*time.Second {
		t.Fatalf("jitter = %v, want [0, 10s)", jitter)
	}
	first := sched.Next(now)
	if !first.Equal(now.Add(time.Minute + jitter)) {
		t.Fatalf("first = %v, want %v", first, now.Add(time.Minute+jitter))
	}
	// Later firings follow the plain interval, aligned to whole seconds.
	want := first.Add(time.Minute).Truncate(time.Second)
	if got := sched.Next(first); !got.Equal(want) {
		t.Fatalf("second = %v, want %v", got, want)
	}
}
