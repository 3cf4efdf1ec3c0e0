package sched

import "time"

// Config controls the scheduler loop.
type Config struct {
	Enabled        bool          `json:"enabled"`
	Tick           time.Duration `json:"tick"`
	Timezone       string        `json:"timezone"`
	DispatchPerSec float64       `json:"dispatch_per_sec"`
	DispatchBurst  int           `json:"dispatch_burst"`

	// Circuit breaker over consecutive job failures. 0 disables.
	BreakerThreshold int           `json:"breaker_threshold"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown"`
	BreakerMax       time.Duration `json:"breaker_max_cooldown"`
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 2 * time.Second
	}
	if c.DispatchPerSec <= 0 {
		c.DispatchPerSec = 4
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = 2
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	if c.BreakerMax <= 0 {
		c.BreakerMax = 30 * time.Minute
	}
	return c
}

// EntrySnapshot is a point-in-time view of one scheduled job.
type EntrySnapshot struct {
	Job      string    `json:"job"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	LastFire time.Time `json:"last_fire,omitempty"`
	Paused   bool      `json:"paused,omitempty"`
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Enabled  bool            `json:"enabled"`
	Timezone string          `json:"timezone"`
	LastTick time.Time       `json:"last_tick"`
	Entries  []EntrySnapshot `json:"entries"`
}
