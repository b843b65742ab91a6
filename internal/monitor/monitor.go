// Package monitor watches scheduler progress. It detects stalls, feeds the
// systemd watchdog while the scheduler makes progress, and periodically
// journals per-kind statistics.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/time/rate"

	"ctrlsched/internal/eventbus"
	rtsup "ctrlsched/internal/runtime/supervisor"
	"ctrlsched/internal/storage"
	"ctrlsched/internal/task/scheduler"
	logx "ctrlsched/pkg/logx"
)

// Source is what the monitor reads. *scheduler.Scheduler satisfies it.
type Source interface {
	Counters() scheduler.Counters
	Snapshot() scheduler.Snapshot
}

type Config struct {
	PollInterval      time.Duration
	InactivityTimeout time.Duration
	Watchdog          bool
	// JournalEvery is the stats journal period. 0 disables journaling.
	JournalEvery time.Duration
	// AlertsPerMinute bounds repeated stall logs. 0 means 1.
	AlertsPerMinute int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 30 * time.Second
	}
	if c.AlertsPerMinute <= 0 {
		c.AlertsPerMinute = 1
	}
	return c
}

type State string

const (
	StateIdle        State = "idle"
	StateProgressing State = "progressing"
	StateStalled     State = "stalled"
)

type Health struct {
	State        State     `json:"state"`
	Submitted    uint64    `json:"submitted"`
	Completed    uint64    `json:"completed"`
	Cancelled    uint64    `json:"cancelled"`
	Outstanding  uint64    `json:"outstanding"`
	LastProgress time.Time `json:"last_progress"`
	CheckedAt    time.Time `json:"checked_at"`
}

// StallEvent is the payload of scheduler.stalled and scheduler.recovered.
type StallEvent struct {
	Outstanding  uint64        `json:"outstanding"`
	LastProgress time.Time     `json:"last_progress"`
	Stalled      time.Duration `json:"stalled"`
}

type Service struct {
	src   Source
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	notify func(state string) (bool, error)
	now    func() time.Time

	mu       sync.Mutex
	cfg      Config
	alerts   *rate.Limiter
	health   Health
	progress scheduler.Counters
	sup      *rtsup.Supervisor
}

type Option func(*Service)

// WithNotifier replaces daemon.SdNotify.
func WithNotifier(fn func(state string) (bool, error)) Option {
	return func(s *Service) { s.notify = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a monitor over src. store may be nil.
func New(cfg Config, src Source, log logx.Logger, bus eventbus.Bus, store storage.Store, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		src:   src,
		log:   log,
		bus:   bus,
		store: store,
		now:   time.Now,
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	s.applyLocked(cfg)
	s.health = Health{State: StateIdle, LastProgress: s.now()}
	return s
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg.withDefaults()
	s.alerts = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.cfg.AlertsPerMinute)), 1)
}

// Apply swaps the configuration. A running poll loop picks it up on its
// next restart; thresholds apply immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	restart := s.sup != nil && (cfg.withDefaults().PollInterval != s.cfg.PollInterval || cfg.JournalEvery != s.cfg.JournalEvery)
	s.applyLocked(cfg)
	s.mu.Unlock()
	if restart {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
		s.Start(context.Background())
	}
}

func (s *Service) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "monitor"))))
	s.sup = sup
	s.mu.Unlock()

	every := cfg.PollInterval
	if cfg.Watchdog {
		// Ping at least twice per watchdog period.
		if wd, err := daemon.SdWatchdogEnabled(false); err == nil && wd > 0 && wd/2 < every {
			every = wd / 2
		}
	}
	sup.GoRestart("monitor.poll", func(c context.Context) error {
		return s.loop(c, every, cfg.JournalEvery)
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("monitor started",
		logx.Duration("poll", every),
		logx.Duration("inactivity_timeout", cfg.InactivityTimeout),
		logx.Bool("watchdog", cfg.Watchdog),
		logx.Duration("journal_every", cfg.JournalEvery),
	)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("monitor stop", logx.Err(err))
		return
	}
	s.log.Info("monitor stopped")
}

func (s *Service) loop(ctx context.Context, every, journalEvery time.Duration) error {
	poll := time.NewTicker(every)
	defer poll.Stop()

	var journal <-chan time.Time
	if journalEvery > 0 && s.store != nil {
		jt := time.NewTicker(journalEvery)
		defer jt.Stop()
		journal = jt.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
			s.poll()
		case <-journal:
			if err := s.writeJournal(ctx); err != nil {
				s.log.Warn("stats journal write failed", logx.Err(err))
			}
		}
	}
}

// poll samples the counters once and acts on state transitions.
func (s *Service) poll() Health {
	c := s.src.Counters()
	now := s.now()

	s.mu.Lock()
	cfg := s.cfg
	prev := s.health
	h := Health{
		Submitted:    c.Submitted,
		Completed:    c.Completed,
		Cancelled:    c.Cancelled,
		Outstanding:  c.Outstanding(),
		LastProgress: prev.LastProgress,
		CheckedAt:    now,
	}
	switch {
	case h.Outstanding == 0:
		h.State = StateIdle
		h.LastProgress = now
	case c.Completed != s.progress.Completed || c.Cancelled != s.progress.Cancelled:
		h.State = StateProgressing
		h.LastProgress = now
	case now.Sub(h.LastProgress) >= cfg.InactivityTimeout:
		h.State = StateStalled
	default:
		h.State = StateProgressing
	}
	s.progress = c
	s.health = h
	alert := h.State == StateStalled && s.alerts.AllowN(now, 1)
	s.mu.Unlock()

	ev := StallEvent{Outstanding: h.Outstanding, LastProgress: h.LastProgress, Stalled: now.Sub(h.LastProgress)}
	switch {
	case h.State == StateStalled && prev.State != StateStalled:
		s.log.Error("scheduler stalled",
			logx.Uint64("outstanding", h.Outstanding),
			logx.Duration("no_progress_for", ev.Stalled),
		)
		s.publish(eventbus.SchedulerStalled, now, ev)
	case alert:
		s.log.Error("scheduler still stalled",
			logx.Uint64("outstanding", h.Outstanding),
			logx.Duration("no_progress_for", ev.Stalled),
		)
	case h.State != StateStalled && prev.State == StateStalled:
		s.log.Info("scheduler recovered", logx.Uint64("outstanding", h.Outstanding))
		s.publish(eventbus.SchedulerRecovered, now, ev)
	}

	if cfg.Watchdog && h.State != StateStalled {
		if _, err := s.notify(daemon.SdNotifyWatchdog); err != nil {
			s.log.Debug("watchdog notify failed", logx.Err(err))
		}
	}
	return h
}

func (s *Service) publish(typ string, at time.Time, ev StallEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
	}
}

// records converts a snapshot into one journal record per kind.
func records(snap scheduler.Snapshot, at time.Time) []storage.StatsRecord {
	out := make([]storage.StatsRecord, 0, len(snap.Kinds))
	for _, k := range snap.Kinds {
		waiting := 0
		for _, e := range k.Entries {
			waiting += len(e.Waiting)
		}
		out = append(out, storage.StatsRecord{
			At:           at,
			Kind:         k.Kind,
			KindName:     k.Name,
			Enqueued:     k.Stats.Enqueued,
			Waited:       k.Stats.Waited,
			Run:          k.Stats.Run,
			Deferred:     k.Stats.Deferred,
			Completed:    k.Stats.Completed,
			Running:      k.RunCount,
			Waiting:      waiting,
			TotalRunTime: k.TotalRunTime,
		})
	}
	return out
}

func (s *Service) writeJournal(ctx context.Context) error {
	if s.store == nil {
		return storage.ErrDisabled
	}
	recs := records(s.src.Snapshot(), s.now())
	if len(recs) == 0 {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.store.AppendStats(wctx, recs)
}
