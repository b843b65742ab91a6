package config

// Config is the daemon configuration file. Durations are Go duration
// strings ("500ms", "30s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Engine     EngineConfig     `json:"engine"`
	Monitor    MonitorConfig    `json:"monitor"`
	Storage    StorageConfig    `json:"storage"`
	Introspect IntrospectConfig `json:"introspect"`
	Cron       CronConfig       `json:"cron"`
	Triggers   []TriggerConfig  `json:"triggers,omitempty" validate:"dive"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// SchedulerConfig declares task kinds up front. Kinds not listed here are
// interned on first use and have no exclusions.
//
// Example:
//
//	"scheduler": {
//	  "execute_threshold": "1s",
//	  "kinds": [
//	    { "name": "bgp.peer", "exclusions": [ { "kind": "bgp.table", "instance": 0 } ] },
//	    { "name": "bgp.table", "execute_threshold": "200ms" }
//	  ]
//	}
type SchedulerConfig struct {
	ExecuteThreshold  string       `json:"execute_threshold,omitempty"`
	ScheduleThreshold string       `json:"schedule_threshold,omitempty"`
	Kinds             []KindConfig `json:"kinds,omitempty" validate:"dive"`
}

type KindConfig struct {
	Name              string            `json:"name" validate:"required"`
	Exclusions        []ExclusionConfig `json:"exclusions,omitempty" validate:"dive"`
	ExecuteThreshold  string            `json:"execute_threshold,omitempty"`
	ScheduleThreshold string            `json:"schedule_threshold,omitempty"`
}

// ExclusionConfig names a kind that may not run alongside the enclosing
// kind. With Instance set, only that instance of both kinds is exclusive.
type ExclusionConfig struct {
	Kind     string `json:"kind" validate:"required"`
	Instance *int   `json:"instance,omitempty" validate:"omitempty,min=0"`
}

// EngineConfig sizes the worker pool. Defaults: 4 workers, 200 history items.
type EngineConfig struct {
	Workers     int `json:"workers,omitempty" validate:"min=0,max=1024"`
	HistorySize int `json:"history_size,omitempty" validate:"min=0"`
}

// MonitorConfig controls stall detection and the stats journal.
//
// Defaults: poll_interval 1s, inactivity_timeout 30s, journal disabled.
type MonitorConfig struct {
	PollInterval      string `json:"poll_interval,omitempty"`
	InactivityTimeout string `json:"inactivity_timeout,omitempty"`
	Watchdog          bool   `json:"watchdog"`
	JournalEvery      string `json:"journal_every,omitempty"`
	AlertsPerMinute   int    `json:"alerts_per_minute,omitempty" validate:"min=0"`
}

// StorageConfig selects the stats journal backend.
//
//	"storage": { "driver": "file", "path": "./var/ctrlsched" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=none file sqlite"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	KeepPerKind int    `json:"keep_per_kind,omitempty" validate:"min=0"`
}

// IntrospectConfig controls the HTTP introspection server.
//
// Bind to loopback (default "127.0.0.1:6070"). A non-loopback address needs
// a token or allow_insecure.
type IntrospectConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	Pprof                bool `json:"pprof,omitempty"`
	MutexProfileFraction int  `json:"mutex_profile_fraction,omitempty" validate:"min=0"`
	BlockProfileRate     int  `json:"block_profile_rate,omitempty" validate:"min=0"`
}

// CronConfig controls the trigger clock.
type CronConfig struct {
	Timezone      string `json:"timezone,omitempty"`
	StartupSpread string `json:"startup_spread,omitempty"`
}

// TriggerConfig submits tasks of kind on schedule. Each task runs runs
// times (default 1), each run taking work.
type TriggerConfig struct {
	Name     string `json:"name" validate:"required"`
	Kind     string `json:"kind" validate:"required"`
	Instance *int   `json:"instance,omitempty" validate:"omitempty,min=0"`
	Schedule string `json:"schedule" validate:"required"`
	Runs     int    `json:"runs,omitempty" validate:"min=0"`
	Work     string `json:"work,omitempty"`
}
