// Package quota enforces the free-tier daily article quota. The
// check-then-increment is a single atomic operation against the
// counter store so concurrent requests can never overrun the cap.
package quota

import (
	"context"
	"sync"
	"time"
)

// CounterStore is the storage collaborator for quota counters. The
// increment must be serializable per key across concurrent callers.
type CounterStore interface {
	// IncrementBounded atomically increments the counter for key by
	// one, constrained by ceiling. It returns the counter value after
	// the call and whether the increment was applied. When the
	// counter is created, ttl is set on it.
	IncrementBounded(ctx context.Context, key string, ceiling int64, ttl time.Duration) (int64, bool, error)

	// Get returns the current counter value, zero if absent.
	Get(ctx context.Context, key string) (int64, error)

	// Close releases store resources.
	Close() error
}

// memoryCounter is a counter with an expiry.
type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

// MemoryCounterStore is an in-memory CounterStore for tests and
// single-node deployments.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

// NewMemoryCounterStore creates a new in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// IncrementBounded implements CounterStore. The whole check-and-
// increment runs under one lock, so two concurrent callers can never
// both take the last unit.
func (s *MemoryCounterStore) IncrementBounded(
	_ context.Context,
	key string,
	ceiling int64,
	ttl time.Duration,
) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || now.After(c.expiresAt) {
		c = &memoryCounter{expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}

	if c.value >= ceiling {
		return c.value, false, nil
	}

	c.value++
	return c.value, true, nil
}

// Get implements CounterStore.
func (s *MemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || s.now().After(c.expiresAt) {
		return 0, nil
	}
	return c.value, nil
}

// Close implements CounterStore.
func (s *MemoryCounterStore) Close() error {
	return nil
}

// Ensure MemoryCounterStore implements CounterStore.
var _ CounterStore = (*MemoryCounterStore)(nil)
