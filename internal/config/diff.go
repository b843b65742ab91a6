package config

import (
	"reflect"
	"strings"

	logx "ctrlsched/pkg/logx"
)

// Change summarizes a reload for logging. Attrs never include secrets.
type Change struct {
	Sections []string
	Attrs    []logx.Field
	// RestartRequired lists changed sections that only take effect on restart.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	// Policies are once-only in the scheduler; thresholds could be applied
	// live but are kept with the kinds they belong to.
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler", true, logx.Int("scheduler.kinds", len(newCfg.Scheduler.Kinds)))
	}
	if oldCfg.Engine != newCfg.Engine {
		mark("engine", false,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.history_size", newCfg.Engine.HistorySize),
		)
	}
	if oldCfg.Monitor != newCfg.Monitor {
		mark("monitor", false,
			logx.String("monitor.inactivity_timeout", newCfg.Monitor.InactivityTimeout),
			logx.Bool("monitor.watchdog", newCfg.Monitor.Watchdog),
			logx.String("monitor.journal_every", newCfg.Monitor.JournalEvery),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	oi, ni := oldCfg.Introspect, newCfg.Introspect
	if oi != ni {
		mark("introspect", false,
			logx.Bool("introspect.enabled", ni.Enabled),
			logx.String("introspect.addr", strings.TrimSpace(ni.Addr)),
			logx.Bool("introspect.token_set", strings.TrimSpace(ni.Token) != ""),
			logx.Bool("introspect.token_changed", oi.Token != ni.Token),
			logx.Bool("introspect.pprof", ni.Pprof),
		)
	}
	if oldCfg.Cron != newCfg.Cron {
		mark("cron", false,
			logx.String("cron.timezone", newCfg.Cron.Timezone),
			logx.String("cron.startup_spread", newCfg.Cron.StartupSpread),
		)
	}
	if !reflect.DeepEqual(oldCfg.Triggers, newCfg.Triggers) {
		mark("triggers", false, logx.Int("triggers.count", len(newCfg.Triggers)))
	}
	return ch
}
