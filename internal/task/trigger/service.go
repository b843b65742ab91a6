package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"ctrlsched/internal/eventbus"
	"ctrlsched/internal/task/scheduler"
	logx "ctrlsched/pkg/logx"
)

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cfg Config, sub Submitter, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log: log,
		bus: bus,
		sub: sub,
		now: time.Now,
		cfg: cfg,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:     map[string]*trigger{},
		lastWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// SetConfig swaps the clock configuration. A timezone change restarts the
// cron runner with every trigger re-registered.
func (s *Service) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start begins firing registered triggers.
func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.order)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, name := range s.order {
		s.registerLocked(s.defs[name])
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	old := s.c
	s.startLocked()
	if old != nil {
		old.Stop()
	}
	s.log.Info("trigger service restarted", logx.String("tz", s.loc.String()))
}

// Stop stops firing and waits for in-progress firings, bounded by ctx.
// Tasks already submitted are left to the scheduler.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, tr := range s.defs {
		tr.entry = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger service stopped", logx.Duration("took", time.Since(start)))
}

// Apply replaces the trigger set. Definitions are validated as a whole;
// on error nothing changes. Unchanged definitions keep their cron entry and
// counters.
func (s *Service) Apply(defs []Def) error {
	next := make(map[string]*trigger, len(defs))
	order := make([]string, 0, len(defs))
	for _, d := range defs {
		d = d.withDefaults()
		d.Name = strings.TrimSpace(d.Name)
		if d.Name == "" {
			return fmt.Errorf("trigger name required")
		}
		if _, dup := next[d.Name]; dup {
			return fmt.Errorf("duplicate trigger %q", d.Name)
		}
		if strings.TrimSpace(d.Kind) == "" {
			return fmt.Errorf("trigger %q: kind required", d.Name)
		}
		if d.Instance < scheduler.NoInstance {
			return fmt.Errorf("trigger %q: invalid instance %d", d.Name, d.Instance)
		}
		if d.Work < 0 {
			return fmt.Errorf("trigger %q: work must be >= 0", d.Name)
		}
		spec, err := ParseSchedule(d.Schedule)
		if err != nil {
			return fmt.Errorf("trigger %q: %w", d.Name, err)
		}
		tr := &trigger{def: d, spec: spec}
		if spec.Kind == SpecCron {
			if tr.sched, err = s.parser.Parse(spec.Cron); err != nil {
				return fmt.Errorf("trigger %q: invalid cron spec %q: %w", d.Name, spec.Cron, err)
			}
		}
		next[d.Name] = tr
		order = append(order, d.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	added, removed, kept := 0, 0, 0
	for name, old := range s.defs {
		if nt, ok := next[name]; ok && nt.def == old.def {
			next[name] = old
			kept++
			continue
		}
		if s.c != nil && old.entry != 0 {
			s.c.Remove(old.entry)
		}
		if nt, ok := next[name]; ok {
			old.mu.Lock()
			nt.last, nt.lastFired, nt.fired, nt.skipped = old.last, old.lastFired, old.fired, old.skipped
			old.mu.Unlock()
		} else {
			removed++
		}
	}
	for _, name := range order {
		tr := next[name]
		if _, ok := s.defs[name]; !ok {
			added++
		}
		if tr.kind == 0 {
			tr.kind = s.sub.InternKind(tr.def.Kind)
		}
		if s.c != nil && tr.entry == 0 {
			s.registerLocked(tr)
		}
	}
	s.defs = next
	s.order = order
	s.log.Info("triggers applied",
		logx.Int("total", len(order)),
		logx.Int("added", added),
		logx.Int("removed", removed),
		logx.Int("unchanged", kept),
	)
	return nil
}

func (s *Service) registerLocked(tr *trigger) {
	sched, spread := tr.sched, time.Duration(0)
	if tr.spec.Kind == SpecInterval {
		sched, spread = intervalSchedule(tr.spec.Every, s.cfg.StartupSpread, s.now(), tr.def.Name)
	}
	tr.spread = spread
	tr.entry = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(tr, false) }))
	if spread > 0 {
		s.log.Debug("interval trigger spread", logx.String("trigger", tr.def.Name), logx.Duration("spread", spread))
	}
}

// Fire submits a task for name now, unless its previous task is still
// pending. It reports whether a task was submitted.
func (s *Service) Fire(name string) (bool, error) {
	s.mu.Lock()
	tr, ok := s.defs[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownTrigger, name)
	}
	return s.fire(tr, true), nil
}

// Snapshot lists the triggers in definition order.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	c := s.c
	loc := s.loc
	tz := strings.TrimSpace(s.cfg.Timezone)
	trs := make([]*trigger, 0, len(s.order))
	for _, name := range s.order {
		trs = append(trs, s.defs[name])
	}
	out := Snapshot{Running: c != nil, Triggers: make([]Info, 0, len(trs))}
	for _, tr := range trs {
		it := Info{
			Name:     tr.def.Name,
			Schedule: tr.spec.String(),
			SpecKind: tr.spec.Kind.String(),
			Kind:     tr.def.Kind,
			KindID:   tr.kind,
			Instance: tr.def.Instance,
			Runs:     tr.def.Runs,
			Work:     tr.def.Work,
			Spread:   tr.spread,
		}
		if c != nil && tr.entry != 0 {
			e := c.Entry(tr.entry)
			it.Next, it.Prev = e.Next, e.Prev
		}
		tr.mu.Lock()
		it.LastFired, it.Fired, it.Skipped = tr.lastFired, tr.fired, tr.skipped
		it.InFlight = s.sub.Pending(tr.last) != 0
		tr.mu.Unlock()
		out.Triggers = append(out.Triggers, it)
	}
	s.mu.Unlock()

	if tz == "" && loc != nil {
		tz = loc.String()
	}
	out.Timezone = tz
	return out
}
