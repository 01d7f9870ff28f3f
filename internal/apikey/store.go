package apikey

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the durable storage collaborator for key records. Reads
// must be linearizable: once a deactivation or rotation write is
// acknowledged, every subsequent GetByPrefix observes the new state.
type Store interface {
	// GetByPrefix retrieves a record by its public prefix.
	GetByPrefix(ctx context.Context, prefix string) (*Record, error)

	// GetByID retrieves a record by its ID.
	GetByID(ctx context.Context, id string) (*Record, error)

	// ListByUser returns all records owned by a user, newest first.
	ListByUser(ctx context.Context, userID string) ([]*Record, error)

	// Put inserts a new record. Returns ErrPrefixExists if another
	// record already holds the prefix.
	Put(ctx context.Context, rec *Record) error

	// CompareAndSet replaces the record identified by rec.ID if its
	// stored version equals expectedVersion. Returns
	// ErrVersionConflict when the version has moved on, and
	// ErrKeyNotFound when no record exists.
	CompareAndSet(ctx context.Context, expectedVersion int64, rec *Record) error

	// TouchLastUsed updates LastUsedAt without bumping the version.
	// Best-effort telemetry; callers ignore failures.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error

	// Close releases store resources.
	Close() error
}

// MemoryStore is an in-memory Store for tests and single-node
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	byPrefix map[string]*Record
	byID     map[string]*Record
}

// NewMemoryStore creates a new in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byPrefix: make(map[string]*Record),
		byID:     make(map[string]*Record),
	}
}

// GetByPrefix implements Store.
func (s *MemoryStore) GetByPrefix(_ context.Context, prefix string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byPrefix[prefix]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return rec.Clone(), nil
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return rec.Clone(), nil
}

// ListByUser implements Store.
func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, rec := range s.byID {
		if rec.UserID == userID {
			out = append(out, rec.Clone())
		}
	}
	sortRecordsNewestFirst(out)
	return out, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byPrefix[rec.Prefix]; exists {
		return ErrPrefixExists
	}

	stored := rec.Clone()
	stored.Version = 1
	s.byPrefix[stored.Prefix] = stored
	s.byID[stored.ID] = stored

	rec.Version = stored.Version
	return nil
}

// CompareAndSet implements Store.
func (s *MemoryStore) CompareAndSet(_ context.Context, expectedVersion int64, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.byID[rec.ID]
	if !ok {
		return ErrKeyNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	stored := rec.Clone()
	stored.Version = expectedVersion + 1
	delete(s.byPrefix, current.Prefix)
	s.byPrefix[stored.Prefix] = stored
	s.byID[stored.ID] = stored

	rec.Version = stored.Version
	return nil
}

// TouchLastUsed implements Store.
func (s *MemoryStore) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	t := at
	rec.LastUsedAt = &t
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// Count returns the number of records in the store.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// sortRecordsNewestFirst orders records by creation time, descending.
func sortRecordsNewestFirst(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
