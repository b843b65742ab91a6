package app

import (
	"ctrlsched/internal/config"
	"ctrlsched/internal/task/scheduler"
	logx "ctrlsched/pkg/logx"
)

// configureScheduler interns the declared kinds and installs their
// exclusion policies and latency thresholds. It runs once, before any task
// is submitted; policies cannot change afterwards.
func configureScheduler(s *scheduler.Scheduler, cfg *config.Config, log logx.Logger) error {
	sc := cfg.Scheduler
	exec, err := config.ParseDurationField("scheduler.execute_threshold", sc.ExecuteThreshold)
	if err != nil {
		return err
	}
	sched, err := config.ParseDurationField("scheduler.schedule_threshold", sc.ScheduleThreshold)
	if err != nil {
		return err
	}
	s.SetLatencyThresholds(exec, sched)

	// Intern every name first so ids follow declaration order.
	for _, k := range sc.Kinds {
		s.InternKind(k.Name)
		for _, ex := range k.Exclusions {
			s.InternKind(ex.Kind)
		}
	}

	for _, k := range sc.Kinds {
		kind := s.InternKind(k.Name)

		kexec, err := config.ParseDurationField("scheduler.kinds["+k.Name+"].execute_threshold", k.ExecuteThreshold)
		if err != nil {
			return err
		}
		ksched, err := config.ParseDurationField("scheduler.kinds["+k.Name+"].schedule_threshold", k.ScheduleThreshold)
		if err != nil {
			return err
		}
		if kexec > 0 || ksched > 0 {
			s.SetKindLatencyThreshold(kind, kexec, ksched)
		}

		if len(k.Exclusions) == 0 {
			continue
		}
		rules := make([]scheduler.Exclusion, 0, len(k.Exclusions))
		for _, ex := range k.Exclusions {
			other := s.InternKind(ex.Kind)
			if ex.Instance != nil {
				rules = append(rules, scheduler.ExcludeInstance(other, *ex.Instance))
			} else {
				rules = append(rules, scheduler.Exclude(other))
			}
		}
		s.SetPolicy(kind, rules)
	}

	log.Info("scheduler configured",
		logx.Int("kinds", len(sc.Kinds)),
		logx.Duration("execute_threshold", exec),
		logx.Duration("schedule_threshold", sched),
	)
	return nil
}
