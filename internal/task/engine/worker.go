package engine

import (
	"context"
	"runtime/debug"
	"time"

	"ctrlsched/internal/eventbus"
	"ctrlsched/internal/task/scheduler"
	logx "ctrlsched/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		j, ok := s.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-s.wake:
			}
			continue
		}
		s.inFlight.Add(1)
		s.execOne(ctx, j)
		s.inFlight.Add(-1)
	}
}

func (s *Service) execOne(ctx context.Context, j job) {
	t := j.task
	start := time.Now()
	queueDelay := time.Duration(0)
	if at := t.EnqueuedAt(); !at.IsZero() {
		queueDelay = max(start.Sub(at), 0)
	}

	ev := TaskEvent{
		Seq:        t.Seq(),
		Kind:       t.Kind(),
		KindName:   s.nameOf(t.Kind()),
		Instance:   t.Instance(),
		Desc:       t.Description(),
		Started:    start,
		QueueDelay: queueDelay,
	}
	log := s.log.With(logx.Task(t.Kind(), t.Instance(), ev.Seq), logx.String("kind_name", ev.KindName))

	if th := t.ScheduleThreshold(); th > 0 && queueDelay > th {
		s.reportSlow(log, ev, PhaseSchedule, queueDelay, th)
	}
	log.Debug("task.started", logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, ev)

	res, perr := s.run(ctx, t)
	dur := time.Since(start)
	ev.Duration = dur

	item := HistoryItem{
		Seq:        ev.Seq,
		Kind:       ev.Kind,
		KindName:   ev.KindName,
		Instance:   ev.Instance,
		Desc:       ev.Desc,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   dur,
	}
	if perr != nil {
		s.panics.Add(1)
		item.Error = perr.Error()
		s.record(item)
		log.Error("task.panic", logx.Any("panic", perr.Value), logx.Stack(perr.Stack))
		s.publish(eventbus.TaskPanicked, ev)

		s.mu.Lock()
		fatal := s.fatal
		s.mu.Unlock()
		fatal(perr)
		return
	}

	if th := t.ExecuteThreshold(); th > 0 && dur > th {
		s.reportSlow(log, ev, PhaseExecute, dur, th)
	}
	ev.Result = res.String()
	item.Result = ev.Result
	s.executed.Add(1)
	s.record(item)
	log.Debug("task.finished", logx.Duration("dur", dur), logx.String("result", ev.Result))
	s.publish(eventbus.TaskFinished, ev)

	j.done(scheduler.Outcome{Result: res, RunTime: dur})
}

// run calls the body, converting a panic into a PanicError.
func (s *Service) run(ctx context.Context, t *scheduler.Task) (res scheduler.Result, perr *PanicError) {
	defer func() {
		if r := recover(); r != nil {
			perr = newPanicError(t, r, debug.Stack())
		}
	}()
	return t.Run(ctx), nil
}

func (s *Service) reportSlow(log logx.Logger, ev TaskEvent, phase Phase, took, threshold time.Duration) {
	s.slow.Add(1)
	log.Warn("task.slow",
		logx.String("phase", string(phase)),
		logx.Duration("took", took),
		logx.Duration("threshold", threshold),
		logx.String("desc", ev.Desc),
	)
	ev.Phase = phase
	ev.Threshold = threshold
	if phase == PhaseExecute {
		ev.Duration = took
	}
	s.publish(eventbus.TaskSlow, ev)
}
