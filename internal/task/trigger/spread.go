package trigger

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

// spreadSchedule delays only the first firing of an interval trigger so
// triggers registered together do not all fire on the same tick.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalSchedule returns the cron schedule for an interval trigger and the
// jitter applied to its first firing. maxSpread <= 0 disables the jitter.
func intervalSchedule(every, maxSpread time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := min(every, maxSpread)
	if spread <= 0 {
		return base, 0
	}
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(fnv64a(name))))
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
