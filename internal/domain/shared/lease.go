package shared

import (
	"context"
	"time"
)

// LeaseTable grants per-key mutual exclusion with a bounded wait.
// Keys are usually aggregate ids.
type LeaseTable interface {
	// Acquire blocks up to wait for the lease on key. The returned release func
	// must be called exactly once. Returns ErrConcurrencyConflict when the wait expires.
	Acquire(ctx context.Context, key string, wait time.Duration) (release func(), err error)

	// Close releases resources held by the table
	Close() error
}

// JobLock is a cluster-wide lock for scheduled jobs.
type JobLock interface {
	// TryLock takes the named lock for ttl. Returns false if another holder owns it.
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// LeaseConfig holds lease timing
type LeaseConfig struct {
	// TTL bounds how long a crashed holder can keep a lease
	TTL time.Duration

	// Wait is the maximum time a caller blocks for a busy lease
	Wait time.Duration
}

// DefaultLeaseConfig returns the default lease configuration
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{
		TTL:  30 * time.Second,
		Wait: 5 * time.Second,
	}
}
