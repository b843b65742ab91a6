package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ctrlsched/internal/config"
	"ctrlsched/internal/eventbus"
	"ctrlsched/internal/monitor"
	"ctrlsched/internal/observability/introspect"
	rtsup "ctrlsched/internal/runtime/supervisor"
	"ctrlsched/internal/storage"
	"ctrlsched/internal/task/engine"
	"ctrlsched/internal/task/scheduler"
	"ctrlsched/internal/task/trigger"
	logx "ctrlsched/pkg/logx"
)

var ErrTaskPanicked = errors.New("task body panicked")

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched    *scheduler.Scheduler
	engine   *engine.Service
	monitor  *monitor.Service
	intro    *introspect.Service
	triggers *trigger.Service

	fatal chan error
}

// Option customizes New. Tests use it to replace process-level hooks.
type Option func(*options)

type options struct {
	notify func(state string) (bool, error)
}

// WithNotifier replaces sd_notify for the monitor's watchdog pings.
func WithNotifier(fn func(state string) (bool, error)) Option {
	return func(o *options) { o.notify = fn }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		fatal:   make(chan error, 1),
	}
	// Close the log sinks when a later step fails.
	ok := false
	defer func() {
		if !ok {
			a.closeStore()
			_ = logSvc.Close()
		}
	}()

	// The scheduler hands ready tasks to the engine; the engine resolves
	// kind names through the scheduler.
	var sched *scheduler.Scheduler
	eng := engine.New(mapEngineConfig(cfg), log.With(logx.String("comp", "engine")), bus,
		engine.WithKindNames(func(kind int) string { return sched.KindName(kind) }))
	sched = scheduler.New(eng, scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))))
	if err := configureScheduler(sched, cfg, log.With(logx.String("comp", "scheduler"))); err != nil {
		return nil, err
	}
	eng.SetFatalHandler(a.onFatal)
	a.sched, a.engine = sched, eng

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.store = st
		if st != nil {
			appLog.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	mcfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	var monOpts []monitor.Option
	if o.notify != nil {
		monOpts = append(monOpts, monitor.WithNotifier(o.notify))
	}
	a.monitor = monitor.New(mcfg, sched, log.With(logx.String("comp", "monitor")), bus, a.store, monOpts...)

	ccfg, err := mapCronConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.triggers = trigger.New(ccfg, sched, log.With(logx.String("comp", "trigger")), bus)
	defs, err := mapTriggerDefs(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.triggers.Apply(defs); err != nil {
		return nil, err
	}

	icfg, err := mapIntrospectConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.intro = introspect.New(icfg, introspect.Deps{
		Scheduler: sched,
		Engine:    eng,
		Monitor:   a.monitor,
		Store:     a.store,
		Triggers:  a.triggers,
		Runtime:   a.runtimeSnapshots,
	}, log.With(logx.String("comp", "introspect")))

	ok = true
	return a, nil
}

// Scheduler is the process scheduler. Components submit tasks through it.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// onFatal runs on the worker that recovered a task panic. The process
// cannot keep its scheduling guarantees after that, so the app shuts down.
func (a *App) onFatal(err error) {
	a.log.Error("task panicked; shutting down", logx.Err(err))
	select {
	case a.fatal <- err:
	default:
	}
}

func (a *App) runtimeSnapshots() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sup := a.engine.Supervisor(); sup != nil {
		out["engine"] = sup.Snapshot()
	}
	if sup := a.intro.Supervisor(); sup != nil {
		out["introspect"] = sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// Reject a reload the components could not apply.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapMonitorConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapIntrospectConfig(cfg); err != nil {
			return err
		}
		if _, err := mapCronConfig(cfg); err != nil {
			return err
		}
		_, err := mapTriggerDefs(cfg)
		return err
	})

	a.sup.Go("engine.fatal", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case err := <-a.fatal:
			return fmt.Errorf("%w: %v", ErrTaskPanicked, err)
		}
	})

	// The engine outlives the app context: Stop drains the scheduler
	// through it before anything else goes down.
	a.engine.Start(context.WithoutCancel(ctx))
	a.monitor.Start(a.sup.Context())
	a.intro.Start(a.sup.Context())
	a.triggers.Start(a.sup.Context())

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go("eventbus.log", func(c context.Context) error {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					// Debug level: triggers fire often.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	c := a.sched.Counters()
	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Uint64("submitted", c.Submitted),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// applyConfig pushes a reloaded config into the live components. Sections
// that only apply at startup are reported and skipped.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	change := config.SummarizeConfigChange(prev, next)
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	a.log.Debug("config change summary", fields...)
	if len(change.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(change.RestartRequired, ",")))
	}

	a.logs.Apply(mapLogConfig(next))
	a.engine.Apply(ctx, mapEngineConfig(next))

	if mcfg, err := mapMonitorConfig(next); err != nil {
		a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
	} else {
		a.monitor.Apply(mcfg)
	}

	if icfg, err := mapIntrospectConfig(next); err != nil {
		a.log.Warn("invalid introspect config; keeping previous", logx.Err(err))
	} else {
		a.intro.Reconfigure(ctx, icfg)
	}

	if ccfg, err := mapCronConfig(next); err != nil {
		a.log.Warn("invalid cron config; keeping previous", logx.Err(err))
	} else {
		a.triggers.SetConfig(ccfg)
	}
	if defs, err := mapTriggerDefs(next); err != nil {
		a.log.Warn("invalid triggers; keeping previous", logx.Err(err))
	} else if err := a.triggers.Apply(defs); err != nil {
		a.log.Warn("triggers rejected; keeping previous", logx.Err(err))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a late return is logged as a leak.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// No new work, then drain what was submitted. Terminate also stops the
	// engine once the scheduler is empty.
	step("triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	if errors.Is(a.sup.Err(), ErrTaskPanicked) {
		// The panicked task never completes, so there is nothing to drain to.
		a.log.Warn("skipping scheduler drain after task panic", logx.Uint64("outstanding", a.sched.Counters().Outstanding()))
	} else {
		step("scheduler", 10*time.Second, func(c context.Context) error { a.sched.Terminate(c); return nil })
	}

	a.sup.Cancel()

	step("engine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("monitor", 2*time.Second, func(c context.Context) error { a.monitor.Stop(c); return nil })
	step("introspect", 2*time.Second, func(c context.Context) error { a.intro.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error { return a.closeStore() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, ErrTaskPanicked) {
			return nil
		}
		return err
	})

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	st := a.store
	a.store = nil
	return st.Close()
}
