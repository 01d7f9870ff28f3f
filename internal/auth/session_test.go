package auth

import (
	"context"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionSecret = []byte("0123456789abcdef0123456789abcdef")

func signSessionToken(t *testing.T, build func(b *jwt.Builder)) string {
	t.Helper()

	b := jwt.NewBuilder().
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	build(b)

	tok, err := b.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, sessionSecret))
	require.NoError(t, err)
	return string(signed)
}

func TestSessionVerifier_Verify(t *testing.T) {
	t.Parallel()

	verifier, err := NewSessionVerifier(sessionSecret)
	require.NoError(t, err)

	token := signSessionToken(t, func(b *jwt.Builder) {
		b.Claim(userIDClaim, "u1")
	})

	userID, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestSessionVerifier_SubjectFallback(t *testing.T) {
	t.Parallel()

	verifier, err := NewSessionVerifier(sessionSecret)
	require.NoError(t, err)

	token := signSessionToken(t, func(b *jwt.Builder) {
		b.Subject("u2")
	})

	userID, err := verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u2", userID)
}

func TestSessionVerifier_WrongKey(t *testing.T) {
	t.Parallel()

	verifier, err := NewSessionVerifier([]byte("another-secret-another-secret-32"))
	require.NoError(t, err)

	token := signSessionToken(t, func(b *jwt.Builder) {
		b.Claim(userIDClaim, "u1")
	})

	_, err = verifier.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestSessionVerifier_Expired(t *testing.T) {
	t.Parallel()

	verifier, err := NewSessionVerifier(sessionSecret, WithSessionClockSkew(0))
	require.NoError(t, err)

	token := signSessionToken(t, func(b *jwt.Builder) {
		b.Claim(userIDClaim, "u1")
		b.Expiration(time.Now().Add(-time.Hour))
	})

	_, err = verifier.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestSessionVerifier_MissingUserID(t *testing.T) {
	t.Parallel()

	verifier, err := NewSessionVerifier(sessionSecret)
	require.NoError(t, err)

	token := signSessionToken(t, func(b *jwt.Builder) {})

	_, err = verifier.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestSessionVerifier_Garbage(t *testing.T) {
	t.Parallel()

	verifier, err := NewSessionVerifier(sessionSecret)
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestNewSessionVerifier_RequiresSecret(t *testing.T) {
	t.Parallel()

	verifier, err := NewSessionVerifier(nil)
	assert.Error(t, err)
	assert.Nil(t, verifier)
}
