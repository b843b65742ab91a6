package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"ctrlsched/internal/eventbus"
	rtsup "ctrlsched/internal/runtime/supervisor"
	"ctrlsched/internal/task/scheduler"
	logx "ctrlsched/pkg/logx"
)

// Service is the worker pool behind the scheduler. It implements
// scheduler.Executor.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	fatal    func(error)
	kindName func(int) string

	// The ready queue is unbounded: completion callbacks run on workers and
	// may hand new work back before returning.
	qmu   sync.Mutex
	queue []job
	wake  chan struct{}

	base     context.Context
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	inFlight atomic.Int32
	executed atomic.Uint64
	slow     atomic.Uint64
	panics   atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type job struct {
	task *scheduler.Task
	done func(scheduler.Outcome)
}

type Option func(*Service)

// WithKindNames resolves kind ids to names in logs, events and history.
func WithKindNames(fn func(kind int) string) Option {
	return func(s *Service) { s.kindName = fn }
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:  cfg.withDefaults(),
		log:  log,
		bus:  bus,
		wake: make(chan struct{}, 1),
		fatal: func(error) {
			os.Exit(2)
		},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// SetFatalHandler replaces the action taken after a task body panics. The
// default exits the process.
func (s *Service) SetFatalHandler(fn func(error)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.fatal = fn
	s.mu.Unlock()
}

// Supervisor returns the supervisor hosting the workers, nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Execute queues t for a worker. It never blocks and accepts work before
// Start; queued work waits until workers run.
func (s *Service) Execute(t *scheduler.Task, done func(scheduler.Outcome)) {
	s.qmu.Lock()
	s.queue = append(s.queue, job{task: t, done: done})
	s.qmu.Unlock()
	s.signal()
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest job. If more remain it passes the wakeup on.
func (s *Service) next() (job, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return job{}, false
	}
	j := s.queue[0]
	s.queue[0] = job{}
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		s.signal()
	}
	return j, true
}

func (s *Service) queueLen() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

// Apply updates the configuration, restarting workers when the pool size
// changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	base := s.base
	s.mu.Unlock()

	if !running || prev.Workers == cfg.Workers {
		return
	}
	s.log.Info("task engine resizing", logx.Int("from", prev.Workers), logx.Int("to", cfg.Workers))
	s.Stop(ctx)
	s.Start(base)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	workers := s.cfg.Workers
	s.base = ctx
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	// Work queued before Start.
	s.signal()

	s.log.Info("task engine started", logx.Int("workers", workers), logx.Int("queued", s.queueLen()))
}

// Stop signals the workers and waits for running bodies to return, bounded
// by ctx. Queued work stays queued for the next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped", logx.Uint64("executed", s.executed.Load()))
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil && s.stopDone == nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	workers := s.cfg.Workers
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:  running,
		Workers:  workers,
		QueueLen: s.queueLen(),
		InFlight: int(s.inFlight.Load()),
		Executed: s.executed.Load(),
		Slow:     s.slow.Load(),
		Panics:   s.panics.Load(),
		History:  h,
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.Started.Add(ev.Duration), Data: ev})
}

func (s *Service) nameOf(kind int) string {
	if s.kindName == nil {
		return ""
	}
	return s.kindName(kind)
}
