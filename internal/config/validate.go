package config

import (
	"fmt"
	"strings"
)

// Validate checks structural invariants. Schedule strings are checked
// later at registration; this catches what must already be wrong at
// load time.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	if _, err := ParseDurationField("scheduler.tick", c.Scheduler.Tick); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.breaker_cooldown", c.Scheduler.BreakerCooldown); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.breaker_max_cooldown", c.Scheduler.BreakerMaxCooldown); err != nil {
		return err
	}
	if _, err := ParseDurationField("runner.grace", c.Runner.Grace); err != nil {
		return err
	}
	if _, err := ParseDurationField("health.interval", c.Health.Interval); err != nil {
		return err
	}
	if _, err := ParseDurationField("health.check_timeout", c.Health.CheckTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("defaults.timeout", c.Defaults.Timeout); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField("storage.max_age", c.Storage.MaxAge); err != nil {
			return err
		}
	}
	for _, field := range []struct{ path, raw string }{
		{"ops.read_timeout", c.Ops.ReadTimeout},
		{"ops.write_timeout", c.Ops.WriteTimeout},
		{"ops.idle_timeout", c.Ops.IdleTimeout},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}

	seen := map[string]bool{}
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("jobs[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("jobs[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(j.Schedule) == "" {
			return fmt.Errorf("job %s: schedule is required", name)
		}
		if strings.TrimSpace(j.Kind) == "" {
			return fmt.Errorf("job %s: kind is required", name)
		}
		if j.Policy != nil {
			if _, err := ParseDurationField("job "+name+".policy.timeout", j.Policy.Timeout); err != nil {
				return err
			}
		}
	}
	return nil
}
