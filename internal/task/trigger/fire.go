package trigger

import (
	"context"
	"fmt"
	"time"

	"ctrlsched/internal/eventbus"
	"ctrlsched/internal/task/scheduler"
	logx "ctrlsched/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

// fire submits one task for tr unless the previous one is still owned by
// the scheduler. tr.mu is held across the submit so concurrent firings of
// the same trigger cannot both pass the check.
func (s *Service) fire(tr *trigger, manual bool) bool {
	ev := Event{Name: tr.def.Name, Kind: tr.kind, Instance: tr.def.Instance, Manual: manual}

	tr.mu.Lock()
	if tr.last != nil {
		if seq := s.sub.Pending(tr.last); seq != 0 {
			tr.skipped++
			tr.mu.Unlock()
			ev.Seq = seq
			s.log.Debug("trigger skipped; previous task pending",
				logx.String("trigger", tr.def.Name),
				logx.Uint64("pending_seq", seq),
			)
			s.publish(eventbus.TriggerSkipped, ev)
			return false
		}
	}
	t := scheduler.NewInstanceTask(tr.kind, tr.def.Instance, workBody(tr.def.Work, tr.def.Runs),
		scheduler.WithDescription(tr.def.Name))
	if err := s.submit(t); err != nil {
		tr.mu.Unlock()
		s.reportSubmitError(tr.def.Name, err)
		return false
	}
	tr.last = t
	tr.fired++
	tr.lastFired = s.now()
	ev.Seq = t.Seq()
	tr.mu.Unlock()

	s.log.Debug("trigger fired",
		logx.String("trigger", tr.def.Name),
		logx.Int("kind", tr.kind),
		logx.Int("instance", tr.def.Instance),
		logx.Bool("manual", manual),
	)
	s.publish(eventbus.TriggerFired, ev)
	return true
}

// submit converts a scheduler contract panic (enqueue after terminate)
// into an error so a late cron tick cannot take the process down.
func (s *Service) submit(t *scheduler.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("submit %v: %v", t, r)
		}
	}()
	s.sub.Enqueue(t)
	return nil
}

func (s *Service) reportSubmitError(name string, err error) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()
	s.log.Warn("trigger failed to submit task", logx.String("trigger", name), logx.Err(err))
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
	}
}

// workBody simulates work: each execution takes work (or until ctx ends)
// and the task asks to run again until it has executed runs times.
func workBody(work time.Duration, runs int) scheduler.Body {
	n := 0
	return func(ctx context.Context) scheduler.Result {
		n++
		if work > 0 {
			tm := time.NewTimer(work)
			select {
			case <-ctx.Done():
				tm.Stop()
				return scheduler.Complete
			case <-tm.C:
			}
		}
		if n < runs {
			return scheduler.RunAgain
		}
		return scheduler.Complete
	}
}
