package scheduler

import (
	"time"

	"github.com/NxtWaveTools/nxt-subscription-sub002/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval     time.Duration
	BatchSize       int
	JobTimeout      time.Duration
	ExpiryGraceDays int
	EnabledJobs     []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		BatchSize:       50,
		JobTimeout:      30 * time.Second,
		ExpiryGraceDays: 30,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.ExpiryGraceDays <= 0 {
		c.ExpiryGraceDays = defaults.ExpiryGraceDays
	}
	return c
}

// ProvideConfig maps application config onto scheduler knobs.
func ProvideConfig(cfg config.Config) Config {
	out := Config{
		BatchSize:       cfg.SchedulerBatchSize,
		ExpiryGraceDays: cfg.ExpiryGraceDays,
	}
	if interval, err := time.ParseDuration(cfg.SchedulerInterval); err == nil {
		out.RunInterval = interval
	}
	if timeout, err := time.ParseDuration(cfg.SchedulerJobTimeout); err == nil {
		out.JobTimeout = timeout
	}
	return out.withDefaults()
}
