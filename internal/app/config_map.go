package app

import (
	"strings"
	"time"

	"ctrlsched/internal/config"
	"ctrlsched/internal/monitor"
	"ctrlsched/internal/observability/introspect"
	"ctrlsched/internal/storage"
	"ctrlsched/internal/task/engine"
	"ctrlsched/internal/task/scheduler"
	"ctrlsched/internal/task/trigger"
	logx "ctrlsched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Workers:     cfg.Engine.Workers,
		HistorySize: cfg.Engine.HistorySize,
	}
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	mc := cfg.Monitor
	poll, err := config.ParseDurationField("monitor.poll_interval", mc.PollInterval)
	if err != nil {
		return monitor.Config{}, err
	}
	inactivity, err := config.ParseDurationField("monitor.inactivity_timeout", mc.InactivityTimeout)
	if err != nil {
		return monitor.Config{}, err
	}
	journal, err := config.ParseDurationField("monitor.journal_every", mc.JournalEvery)
	if err != nil {
		return monitor.Config{}, err
	}
	return monitor.Config{
		PollInterval:      poll,
		InactivityTimeout: inactivity,
		Watchdog:          mc.Watchdog,
		JournalEvery:      journal,
		AlertsPerMinute:   mc.AlertsPerMinute,
	}, nil
}

// mapStorageConfig reports enabled=false for driver "" or "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		KeepPerKind: sc.KeepPerKind,
	}, true, nil
}

func mapIntrospectConfig(cfg *config.Config) (introspect.Config, error) {
	ic := cfg.Introspect
	read, err := config.ParseDurationOrDefault("introspect.read_timeout", ic.ReadTimeout, 10*time.Second)
	if err != nil {
		return introspect.Config{}, err
	}
	// Profiles stream for up to 30s by default.
	write, err := config.ParseDurationOrDefault("introspect.write_timeout", ic.WriteTimeout, 60*time.Second)
	if err != nil {
		return introspect.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("introspect.idle_timeout", ic.IdleTimeout, 60*time.Second)
	if err != nil {
		return introspect.Config{}, err
	}
	return introspect.Config{
		Enabled:              ic.Enabled,
		Addr:                 strings.TrimSpace(ic.Addr),
		Token:                strings.TrimSpace(ic.Token),
		AllowInsecure:        ic.AllowInsecure,
		ReadTimeout:          read,
		WriteTimeout:         write,
		IdleTimeout:          idle,
		Pprof:                ic.Pprof,
		MutexProfileFraction: ic.MutexProfileFraction,
		BlockProfileRate:     ic.BlockProfileRate,
	}, nil
}

func mapCronConfig(cfg *config.Config) (trigger.Config, error) {
	spread, err := config.ParseDurationField("cron.startup_spread", cfg.Cron.StartupSpread)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{
		Timezone:      strings.TrimSpace(cfg.Cron.Timezone),
		StartupSpread: spread,
	}, nil
}

func mapTriggerDefs(cfg *config.Config) ([]trigger.Def, error) {
	defs := make([]trigger.Def, 0, len(cfg.Triggers))
	for _, tc := range cfg.Triggers {
		work, err := config.ParseDurationField("triggers["+tc.Name+"].work", tc.Work)
		if err != nil {
			return nil, err
		}
		inst := scheduler.NoInstance
		if tc.Instance != nil {
			inst = *tc.Instance
		}
		defs = append(defs, trigger.Def{
			Name:     strings.TrimSpace(tc.Name),
			Schedule: tc.Schedule,
			Kind:     strings.TrimSpace(tc.Kind),
			Instance: inst,
			Runs:     tc.Runs,
			Work:     work,
		})
	}
	return defs, nil
}
