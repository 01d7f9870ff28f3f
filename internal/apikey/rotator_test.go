package apikey

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestRotator(t *testing.T, store Store, opts ...RotatorOption) *Rotator {
	t.Helper()

	issuer, err := NewIssuer(store, WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	rotator, err := NewRotator(store, issuer, opts...)
	require.NoError(t, err)
	return rotator
}

func TestRotator_Rotate(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	oldExternal, oldRec := issueTestKey(t, store, "u1", 0)
	rotator := newTestRotator(t, store)

	validator, err := NewValidator(store)
	require.NoError(t, err)

	newExternal, newRec, err := rotator.Rotate(context.Background(), oldRec.ID)
	require.NoError(t, err)
	require.NotNil(t, newRec)

	// The replacement keeps the owner and label but is a new record.
	assert.Equal(t, oldRec.UserID, newRec.UserID)
	assert.Equal(t, oldRec.Name, newRec.Name)
	assert.NotEqual(t, oldRec.ID, newRec.ID)
	assert.NotEqual(t, oldExternal, newExternal)

	// New key validates; old key is revoked.
	_, err = validator.Validate(context.Background(), newExternal)
	assert.NoError(t, err)

	_, err = validator.Validate(context.Background(), oldExternal)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func TestRotator_RotateUnknownKey(t *testing.T) {
	t.Parallel()

	rotator := newTestRotator(t, NewMemoryStore())

	_, _, err := rotator.Rotate(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRotator_RotateRevokedKey(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_, rec := issueTestKey(t, store, "u1", 0)
	rotator := newTestRotator(t, store)

	require.NoError(t, rotator.Revoke(context.Background(), rec.ID))

	_, _, err := rotator.Rotate(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func TestRotator_RevokeFailureStillSucceeds(t *testing.T) {
	t.Parallel()

	// The new key is committed before the old one is revoked. If the
	// revoke write fails, rotation reports success and the old key
	// stays temporarily active.
	inner := NewMemoryStore()
	oldExternal, oldRec := issueTestKey(t, inner, "u1", 0)

	store := &casFailingStore{Store: inner}
	issuer, err := NewIssuer(store, WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	rotator, err := NewRotator(store, issuer)
	require.NoError(t, err)

	newExternal, newRec, err := rotator.Rotate(context.Background(), oldRec.ID)
	require.NoError(t, err)
	require.NotNil(t, newRec)

	validator, err := NewValidator(inner)
	require.NoError(t, err)

	// Both keys validate: continuity is preserved in the failure mode.
	_, err = validator.Validate(context.Background(), newExternal)
	assert.NoError(t, err)
	_, err = validator.Validate(context.Background(), oldExternal)
	assert.NoError(t, err)
}

func TestRotator_TTLPolicyReset(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	_, oldRec := issueTestKey(t, store, "u1", time.Hour)

	rotator := newTestRotator(t, store,
		WithTTLPolicy(TTLPolicyReset, 72*time.Hour),
		WithRotatorClock(func() time.Time { return now }),
	)

	_, newRec, err := rotator.Rotate(context.Background(), oldRec.ID)
	require.NoError(t, err)
	require.NotNil(t, newRec.ExpiresAt)
	// Reset policy ignores the old key's remaining hour.
	assert.True(t, newRec.ExpiresAt.After(now.Add(71*time.Hour)))
}

func TestRotator_TTLPolicyResidual(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_, oldRec := issueTestKey(t, store, "u1", time.Hour)

	rotator := newTestRotator(t, store, WithTTLPolicy(TTLPolicyResidual, 72*time.Hour))

	_, newRec, err := rotator.Rotate(context.Background(), oldRec.ID)
	require.NoError(t, err)
	require.NotNil(t, newRec.ExpiresAt)
	// Residual policy carries over roughly the remaining hour.
	assert.WithinDuration(t, *oldRec.ExpiresAt, *newRec.ExpiresAt, 5*time.Second)
}

func TestRotator_Revoke(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	external, rec := issueTestKey(t, store, "u1", 0)
	rotator := newTestRotator(t, store)

	require.NoError(t, rotator.Revoke(context.Background(), rec.ID))

	validator, err := NewValidator(store)
	require.NoError(t, err)
	_, err = validator.Validate(context.Background(), external)
	assert.ErrorIs(t, err, ErrKeyRevoked)

	// Revoking again is a no-op.
	assert.NoError(t, rotator.Revoke(context.Background(), rec.ID))
}

func TestRotator_RevokeRetriesOnVersionConflict(t *testing.T) {
	t.Parallel()

	inner := NewMemoryStore()
	_, rec := issueTestKey(t, inner, "u1", 0)

	store := &conflictOnceStore{Store: inner}
	issuer, err := NewIssuer(store, WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	rotator, err := NewRotator(store, issuer)
	require.NoError(t, err)

	require.NoError(t, rotator.Revoke(context.Background(), rec.ID))

	got, err := inner.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

// casFailingStore delegates everything except CompareAndSet.
type casFailingStore struct {
	Store
}

func (s *casFailingStore) CompareAndSet(context.Context, int64, *Record) error {
	return assert.AnError
}

// conflictOnceStore fails the first CompareAndSet with a version
// conflict, then delegates.
type conflictOnceStore struct {
	Store
	conflicted bool
}

func (s *conflictOnceStore) CompareAndSet(ctx context.Context, expectedVersion int64, rec *Record) error {
	if !s.conflicted {
		s.conflicted = true
		return ErrVersionConflict
	}
	return s.Store.CompareAndSet(ctx, expectedVersion, rec)
}
