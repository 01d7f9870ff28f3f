package apikey

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// collidingStore wraps a Store and forces prefix collisions for the
// first n Put calls.
type collidingStore struct {
	Store
	remaining int
	putCalls  int
}

func (s *collidingStore) Put(ctx context.Context, rec *Record) error {
	s.putCalls++
	if s.remaining > 0 {
		s.remaining--
		return ErrPrefixExists
	}
	return s.Store.Put(ctx, rec)
}

func TestIssuer_Issue(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	issuer, err := NewIssuer(store, WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	external, rec, err := issuer.Issue(context.Background(), "u1", "ci token", 0)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.True(t, strings.HasPrefix(external, Scheme))
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "ci token", rec.Name)
	assert.True(t, rec.Active)
	assert.Nil(t, rec.ExpiresAt)
	assert.NotEmpty(t, rec.ID)
	assert.Len(t, rec.Prefix, PrefixLen)

	// The plaintext secret must not be reconstructable from the record.
	_, secret, err := Decode(external)
	require.NoError(t, err)
	assert.NotContains(t, rec.SecretHash, secret)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(rec.SecretHash), []byte(secret)))

	// The record is persisted under its prefix.
	stored, err := store.GetByPrefix(context.Background(), rec.Prefix)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)
}

func TestIssuer_IssueWithTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewIssuer(NewMemoryStore(),
		WithBcryptCost(bcrypt.MinCost),
		WithIssuerClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	_, rec, err := issuer.Issue(context.Background(), "u1", "short lived", 24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, now.Add(24*time.Hour), *rec.ExpiresAt)
}

func TestIssuer_PrefixCollisionRetry(t *testing.T) {
	t.Parallel()

	store := &collidingStore{Store: NewMemoryStore(), remaining: 2}
	issuer, err := NewIssuer(store, WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	_, rec, err := issuer.Issue(context.Background(), "u1", "retry", 0)
	require.NoError(t, err)
	assert.NotNil(t, rec)
	assert.Equal(t, 3, store.putCalls)
}

func TestIssuer_PrefixSpaceExhausted(t *testing.T) {
	t.Parallel()

	store := &collidingStore{Store: NewMemoryStore(), remaining: maxPrefixAttempts}
	issuer, err := NewIssuer(store, WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	external, rec, err := issuer.Issue(context.Background(), "u1", "doomed", 0)
	assert.ErrorIs(t, err, ErrPrefixSpaceExhausted)
	assert.Empty(t, external)
	assert.Nil(t, rec)
}

func TestIssuer_StoreFailureReturnsNothing(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("connection refused")
	store := &failingStore{err: wantErr}
	issuer, err := NewIssuer(store, WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	external, rec, err := issuer.Issue(context.Background(), "u1", "broken", 0)
	assert.ErrorIs(t, err, wantErr)
	assert.Empty(t, external)
	assert.Nil(t, rec)
}

func TestNewIssuer_RequiresStore(t *testing.T) {
	t.Parallel()

	issuer, err := NewIssuer(nil)
	assert.Error(t, err)
	assert.Nil(t, issuer)
}

// failingStore fails every operation with a fixed error.
type failingStore struct {
	err error
}

func (s *failingStore) GetByPrefix(context.Context, string) (*Record, error) { return nil, s.err }
func (s *failingStore) GetByID(context.Context, string) (*Record, error)     { return nil, s.err }
func (s *failingStore) ListByUser(context.Context, string) ([]*Record, error) {
	return nil, s.err
}
func (s *failingStore) Put(context.Context, *Record) error                    { return s.err }
func (s *failingStore) CompareAndSet(context.Context, int64, *Record) error   { return s.err }
func (s *failingStore) TouchLastUsed(context.Context, string, time.Time) error { return s.err }
func (s *failingStore) Close() error                                          { return nil }
