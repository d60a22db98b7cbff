package scheduler

import (
	"time"

	"github.com/smallbiznis/billcore/internal/config"
)

// Config controls the cron specs, batch size and parallelism of the
// scheduler jobs.
type Config struct {
	Enabled     bool
	Spec        string
	RelaySpec   string
	BatchSize   int
	Concurrency int
	JobTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Spec:        "@every 1m",
		RelaySpec:   "@every 5s",
		BatchSize:   100,
		Concurrency: 4,
		JobTimeout:  5 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:     cfg.Scheduler.Enabled,
		Spec:        cfg.Scheduler.Spec,
		RelaySpec:   cfg.Scheduler.RelaySpec,
		BatchSize:   cfg.Scheduler.BatchSize,
		Concurrency: cfg.Scheduler.Concurrency,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Spec == "" {
		c.Spec = defaults.Spec
	}
	if c.RelaySpec == "" {
		c.RelaySpec = defaults.RelaySpec
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
