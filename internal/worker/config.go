// Package worker runs harvest jobs: a bounded pool of workers, each taking a
// job from the queue, scanning the catalog and committing resolved listings.
package worker

import (
	"errors"
	"time"
)

const (
	// DefaultPoolSize is the default number of workers in the pool.
	DefaultPoolSize = 4

	// DefaultDrainTimeout is the default timeout for graceful shutdown.
	DefaultDrainTimeout = 30 * time.Second

	// DefaultJobTimeout bounds one full catalog pass including detail
	// resolution. Scans are long: pages plus a throttled fetch per listing.
	DefaultJobTimeout = 1 * time.Hour

	// DefaultHealthCheckInterval is the default interval for pool health checks.
	DefaultHealthCheckInterval = 30 * time.Second

	// DefaultTouchEvery is how many resolved listings pass between
	// processing-marker refreshes.
	DefaultTouchEvery = 10

	// MinPoolSize is the minimum allowed pool size.
	MinPoolSize = 1

	// MaxPoolSize is the maximum allowed pool size.
	MaxPoolSize = 100
)

// Config holds configuration for the worker pool.
type Config struct {
	// PoolSize is the number of concurrent workers.
	PoolSize int

	// DrainTimeout is the maximum time to wait for workers to finish during shutdown.
	DrainTimeout time.Duration

	// JobTimeout is the timeout for one harvest job.
	JobTimeout time.Duration

	// HealthCheckInterval is the interval between pool health checks.
	HealthCheckInterval time.Duration

	// TouchEvery refreshes the processing marker after this many listings.
	TouchEvery int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:            DefaultPoolSize,
		DrainTimeout:        DefaultDrainTimeout,
		JobTimeout:          DefaultJobTimeout,
		HealthCheckInterval: DefaultHealthCheckInterval,
		TouchEvery:          DefaultTouchEvery,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.PoolSize < MinPoolSize {
		return errors.New("pool size must be at least 1")
	}
	if c.PoolSize > MaxPoolSize {
		return errors.New("pool size cannot exceed 100")
	}
	if c.DrainTimeout <= 0 {
		return errors.New("drain timeout must be positive")
	}
	if c.JobTimeout <= 0 {
		return errors.New("job timeout must be positive")
	}
	if c.HealthCheckInterval <= 0 {
		return errors.New("health check interval must be positive")
	}
	return nil
}
