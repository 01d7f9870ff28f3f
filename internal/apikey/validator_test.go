package apikey

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// issueTestKey issues a key against the store and returns the
// external key string and its record.
func issueTestKey(t *testing.T, store Store, userID string, ttl time.Duration) (string, *Record) {
	t.Helper()

	issuer, err := NewIssuer(store, WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	external, rec, err := issuer.Issue(context.Background(), userID, "test key", ttl)
	require.NoError(t, err)
	return external, rec
}

func TestValidator_RoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	external, issued := issueTestKey(t, store, "u1", 0)

	validator, err := NewValidator(store)
	require.NoError(t, err)

	rec, err := validator.Validate(context.Background(), external)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, rec.ID)
	assert.Equal(t, "u1", rec.UserID)
}

func TestValidator_Malformed(t *testing.T) {
	t.Parallel()

	validator, err := NewValidator(NewMemoryStore())
	require.NoError(t, err)

	_, err = validator.Validate(context.Background(), "not-a-key")
	assert.ErrorIs(t, err, ErrKeyMalformed)
}

func TestValidator_NotFound(t *testing.T) {
	t.Parallel()

	validator, err := NewValidator(NewMemoryStore())
	require.NoError(t, err)

	unknown := Encode(strings.Repeat("a", PrefixLen), strings.Repeat("b", SecretLen))
	_, err = validator.Validate(context.Background(), unknown)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestValidator_WrongSecret(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	_, issued := issueTestKey(t, store, "u1", 0)

	validator, err := NewValidator(store)
	require.NoError(t, err)

	forged := Encode(issued.Prefix, strings.Repeat("0", SecretLen))
	_, err = validator.Validate(context.Background(), forged)
	assert.ErrorIs(t, err, ErrKeyInvalid)
}

func TestValidator_Revoked(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	external, issued := issueTestKey(t, store, "u1", 0)

	revoked := issued.Clone()
	revoked.Active = false
	require.NoError(t, store.CompareAndSet(context.Background(), issued.Version, revoked))

	validator, err := NewValidator(store)
	require.NoError(t, err)

	// Revocation is terminal: every subsequent validation fails.
	for i := 0; i < 3; i++ {
		_, err = validator.Validate(context.Background(), external)
		assert.ErrorIs(t, err, ErrKeyRevoked)
	}
}

func TestValidator_Expired(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	external, _ := issueTestKey(t, store, "u1", time.Hour)

	future := time.Now().Add(2 * time.Hour)
	validator, err := NewValidator(store, WithValidatorClock(func() time.Time { return future }))
	require.NoError(t, err)

	_, err = validator.Validate(context.Background(), external)
	assert.ErrorIs(t, err, ErrKeyExpired)
}

func TestValidator_TouchesLastUsed(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	external, issued := issueTestKey(t, store, "u1", 0)

	validator, err := NewValidator(store)
	require.NoError(t, err)

	_, err = validator.Validate(context.Background(), external)
	require.NoError(t, err)

	// The update is fire-and-forget, so poll for it.
	assert.Eventually(t, func() bool {
		rec, err := store.GetByID(context.Background(), issued.ID)
		return err == nil && rec.LastUsedAt != nil
	}, time.Second, 10*time.Millisecond)
}

func TestValidator_TouchFailureDoesNotFailValidation(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	external, _ := issueTestKey(t, store, "u1", 0)

	// Wrap the store so telemetry writes fail while reads succeed.
	validator, err := NewValidator(&touchFailingStore{Store: store})
	require.NoError(t, err)

	rec, err := validator.Validate(context.Background(), external)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestValidator_ChecksOrder(t *testing.T) {
	t.Parallel()

	// A key that is both revoked and expired reports revoked:
	// status is checked before expiry, and both before the hash.
	store := NewMemoryStore()
	external, issued := issueTestKey(t, store, "u1", time.Hour)

	dead := issued.Clone()
	dead.Active = false
	require.NoError(t, store.CompareAndSet(context.Background(), issued.Version, dead))

	future := time.Now().Add(2 * time.Hour)
	validator, err := NewValidator(store, WithValidatorClock(func() time.Time { return future }))
	require.NoError(t, err)

	_, err = validator.Validate(context.Background(), external)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func TestNewValidator_RequiresStore(t *testing.T) {
	t.Parallel()

	validator, err := NewValidator(nil)
	assert.Error(t, err)
	assert.Nil(t, validator)
}

// touchFailingStore delegates everything except TouchLastUsed.
type touchFailingStore struct {
	Store
}

func (s *touchFailingStore) TouchLastUsed(context.Context, string, time.Time) error {
	return assert.AnError
}
