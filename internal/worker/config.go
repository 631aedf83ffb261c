package worker

import (
	"fmt"
	"time"
)

// Config holds the configuration for the maintenance job runner.
type Config struct {
	// JobTimeout is the maximum time a single run is allowed to take.
	// If a run exceeds this timeout, its context is canceled and it's recorded as failed.
	// Default: 10 minutes
	JobTimeout time.Duration

	// ShutdownTimeout is how long to wait for running jobs to complete during graceful shutdown.
	// After this timeout, the runner stops even if jobs are still running.
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// RunOnStart runs every registered job once immediately on Start instead
	// of waiting for its first interval.
	// Default: true
	RunOnStart bool

	// MinInterval is the shortest interval a job may be registered with.
	// Default: 1 second
	MinInterval time.Duration
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		JobTimeout:      10 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		RunOnStart:      true,
		MinInterval:     time.Second,
	}
}

// Validate checks if the configuration is valid.
// Returns an error if any values are invalid.
func (c Config) Validate() error {
	if c.JobTimeout < 1*time.Second {
		return fmt.Errorf("job timeout must be at least 1 second, got %v", c.JobTimeout)
	}
	if c.ShutdownTimeout < 1*time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second, got %v", c.ShutdownTimeout)
	}
	if c.MinInterval <= 0 {
		return fmt.Errorf("minimum interval must be positive, got %v", c.MinInterval)
	}
	return nil
}
