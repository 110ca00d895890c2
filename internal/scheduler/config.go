// Package scheduler runs the coordinator's periodic fleet maintenance.
package scheduler

import "time"

// Config defines the poller configuration.
type Config struct {
	// Interval between ticks.
	Interval time.Duration `yaml:"interval"`
	// ProjectID scopes the todo listing; empty means the backend default.
	ProjectID string `yaml:"project_id"`
	// BatchLimit caps how many todo tasks one tick syncs.
	BatchLimit int `yaml:"batch_limit"`
	// PresenceTTL is the liveness window used for the coordinator check.
	// Zero uses the tracker default.
	PresenceTTL time.Duration `yaml:"presence_ttl"`
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:   60 * time.Second,
		BatchLimit: 25,
	}
}

func (c *Config) withDefaults() *Config {
	out := *DefaultConfig()
	if c == nil {
		return &out
	}
	if c.Interval > 0 {
		out.Interval = c.Interval
	}
	if c.BatchLimit > 0 {
		out.BatchLimit = c.BatchLimit
	}
	out.ProjectID = c.ProjectID
	out.PresenceTTL = c.PresenceTTL
	return &out
}
