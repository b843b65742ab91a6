package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"ctrlsched/internal/task/trigger"
)

var validate = validator.New()

// Validate checks cfg structurally (struct tags) and semantically
// (durations, schedules, names, addresses). All problems are reported.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			errs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.Join(errs...)
		}
		return err
	}

	var errs []error
	for _, f := range durationFields(cfg) {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	kinds := map[string]bool{}
	for i, k := range cfg.Scheduler.Kinds {
		name := strings.TrimSpace(k.Name)
		if kinds[name] {
			errs = append(errs, fmt.Errorf("scheduler.kinds[%d]: duplicate kind %q", i, name))
		}
		kinds[name] = true
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for driver "+cfg.Storage.Driver))
		}
	}

	if addr := strings.TrimSpace(cfg.Introspect.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("introspect.addr: %w", err))
		}
	}

	if tz := strings.TrimSpace(cfg.Cron.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("cron.timezone: %w", err))
		}
	}

	names := map[string]bool{}
	for i, t := range cfg.Triggers {
		name := strings.TrimSpace(t.Name)
		if names[name] {
			errs = append(errs, fmt.Errorf("triggers[%d]: duplicate trigger %q", i, name))
		}
		names[name] = true
		if _, err := trigger.ParseSchedule(t.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("triggers[%d].schedule: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
