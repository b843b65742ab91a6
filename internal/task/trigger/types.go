package trigger

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ctrlsched/internal/eventbus"
	"ctrlsched/internal/task/scheduler"
	logx "ctrlsched/pkg/logx"
)

var ErrUnknownTrigger = errors.New("trigger: unknown trigger")

// Config controls the trigger clock.
type Config struct {
	Timezone string // IANA name, empty means local time
	// StartupSpread caps the random delay added to the first firing of
	// interval triggers. 0 disables it.
	StartupSpread time.Duration
}

// Def describes one trigger.
type Def struct {
	Name     string
	Schedule string
	Kind     string
	Instance int // scheduler.NoInstance for unbound tasks
	Runs     int // executions per firing, at least 1
	Work     time.Duration
}

func (d Def) withDefaults() Def {
	if d.Runs <= 0 {
		d.Runs = 1
	}
	return d
}

// Submitter accepts tasks. *scheduler.Scheduler satisfies it.
type Submitter interface {
	InternKind(name string) int
	Enqueue(t *scheduler.Task)
	Pending(t *scheduler.Task) uint64
}

// Info describes one registered trigger.
type Info struct {
	Name      string        `json:"name"`
	Schedule  string        `json:"schedule"`
	SpecKind  string        `json:"spec_kind"`
	Kind      string        `json:"kind"`
	KindID    int           `json:"kind_id"`
	Instance  int           `json:"instance"`
	Runs      int           `json:"runs"`
	Work      time.Duration `json:"work"`
	Spread    time.Duration `json:"spread,omitempty"`
	Next      time.Time     `json:"next,omitempty"`
	Prev      time.Time     `json:"prev,omitempty"`
	LastFired time.Time     `json:"last_fired,omitempty"`
	Fired     uint64        `json:"fired"`
	Skipped   uint64        `json:"skipped"`
	InFlight  bool          `json:"in_flight"`
}

type Snapshot struct {
	Running  bool   `json:"running"`
	Timezone string `json:"timezone"`
	Triggers []Info `json:"triggers"`
}

// Event is the payload of trigger.fired and trigger.skipped.
type Event struct {
	Name     string `json:"name"`
	Kind     int    `json:"kind"`
	Instance int    `json:"instance"`
	Seq      uint64 `json:"seq,omitempty"`
	Manual   bool   `json:"manual,omitempty"`
}

// trigger is one registered definition. last is carried over when Apply
// replaces the definition so an in-flight task keeps suppressing firings.
type trigger struct {
	def    Def
	spec   ParsedSpec
	kind   int
	sched  cron.Schedule
	spread time.Duration
	entry  cron.EntryID

	mu        sync.Mutex
	last      *scheduler.Task
	lastFired time.Time
	fired     uint64
	skipped   uint64
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus
	sub Submitter
	now func() time.Time

	parser cron.Parser

	mu    sync.Mutex
	cfg   Config
	loc   *time.Location
	c     *cron.Cron
	order []string
	defs  map[string]*trigger

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}
