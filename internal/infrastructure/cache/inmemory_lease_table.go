package cache

import (
	"context"
	"sync"
	"time"

	"github.com/crm/backend/internal/domain/shared"
)

// lease is one held key. released is closed when the holder lets go or the
// lease is taken over after expiry.
type lease struct {
	expiresAt time.Time
	released  chan struct{}
}

// InMemoryLeaseTable implements LeaseTable with a map of per-key leases.
// This is suitable for single-instance deployments and testing
type InMemoryLeaseTable struct {
	mu        sync.Mutex
	leases    map[string]*lease
	ttl       time.Duration
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewInMemoryLeaseTable creates a new in-memory lease table.
// A lease not released within ttl may be taken over by a waiter.
func NewInMemoryLeaseTable(ttl time.Duration) *InMemoryLeaseTable {
	if ttl <= 0 {
		ttl = shared.DefaultLeaseConfig().TTL
	}
	t := &InMemoryLeaseTable{
		leases:   make(map[string]*lease),
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}

	t.wg.Add(1)
	go t.cleanupLoop()

	return t
}

// Acquire blocks up to wait for the lease on key.
// Returns shared.ErrConcurrencyConflict when the wait expires and ctx.Err() when ctx ends first.
func (t *InMemoryLeaseTable) Acquire(ctx context.Context, key string, wait time.Duration) (func(), error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		held, release := t.tryAcquire(key)
		if release != nil {
			return release, nil
		}
		if wait <= 0 {
			return nil, shared.ErrConcurrencyConflict
		}

		expiry := time.NewTimer(time.Until(held.expiresAt))
		select {
		case <-held.released:
		case <-expiry.C:
		case <-deadline.C:
			expiry.Stop()
			return nil, shared.ErrConcurrencyConflict
		case <-ctx.Done():
			expiry.Stop()
			return nil, ctx.Err()
		}
		expiry.Stop()
	}
}

// tryAcquire takes the lease if it is free or expired, otherwise returns the current holder
func (t *InMemoryLeaseTable) tryAcquire(key string) (*lease, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if current, ok := t.leases[key]; ok {
		if now.Before(current.expiresAt) {
			return current, nil
		}
		close(current.released)
	}

	l := &lease{
		expiresAt: now.Add(t.ttl),
		released:  make(chan struct{}),
	}
	t.leases[key] = l

	var once sync.Once
	return nil, func() {
		once.Do(func() { t.release(key, l) })
	}
}

func (t *InMemoryLeaseTable) release(key string, l *lease) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A lease taken over after expiry was already closed by the new holder.
	if t.leases[key] == l {
		delete(t.leases, key)
		close(l.released)
	}
}

// Held reports whether key is currently leased
func (t *InMemoryLeaseTable) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.leases[key]
	return ok && time.Now().Before(l.expiresAt)
}

// Close stops the cleanup goroutine
// Safe to call multiple times
func (t *InMemoryLeaseTable) Close() error {
	t.closeOnce.Do(func() {
		close(t.stopChan)
		t.wg.Wait()
	})
	return nil
}

func (t *InMemoryLeaseTable) cleanupLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopChan:
			return
		case <-ticker.C:
			t.cleanup()
		}
	}
}

// cleanup drops expired leases so waiters on them wake up
func (t *InMemoryLeaseTable) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, l := range t.leases {
		if now.After(l.expiresAt) {
			delete(t.leases, key)
			close(l.released)
		}
	}
}

// jobLockPruneEvery is the number of grants between sweeps of expired locks
const jobLockPruneEvery = 256

// InMemoryJobLock implements JobLock for a single process
type InMemoryJobLock struct {
	mu     sync.Mutex
	locks  map[string]*time.Time
	grants int
}

// NewInMemoryJobLock creates a new in-memory job lock
func NewInMemoryJobLock() *InMemoryJobLock {
	return &InMemoryJobLock{locks: make(map[string]*time.Time)}
}

// TryLock takes the named lock for ttl without waiting
func (j *InMemoryJobLock) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now()
	if held, ok := j.locks[name]; ok && now.Before(*held) {
		return nil, false, nil
	}

	j.grants++
	if j.grants%jobLockPruneEvery == 0 {
		for key, held := range j.locks {
			if !now.Before(*held) {
				delete(j.locks, key)
			}
		}
	}

	expiresAt := now.Add(ttl)
	token := &expiresAt
	j.locks[name] = token

	var once sync.Once
	return func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			if j.locks[name] == token {
				delete(j.locks, name)
			}
		})
	}, true, nil
}

// Ensure interface compliance
var (
	_ shared.LeaseTable = (*InMemoryLeaseTable)(nil)
	_ shared.JobLock    = (*InMemoryJobLock)(nil)
)
