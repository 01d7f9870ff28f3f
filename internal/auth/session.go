package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/briefwire/accessgate/internal/observability"
)

// userIDClaim is the private claim the web login flow puts the user
// identifier in. The standard subject claim is accepted as a
// fallback.
const userIDClaim = "userId"

// SessionVerifier validates HS256 session tokens issued by the web
// login flow and extracts the user they belong to.
type SessionVerifier struct {
	secret []byte
	skew   time.Duration
	logger observability.Logger
	clock  jwt.Clock
}

// SessionVerifierOption is a functional option for the verifier.
type SessionVerifierOption func(*SessionVerifier)

// WithSessionLogger sets the logger for the verifier.
func WithSessionLogger(logger observability.Logger) SessionVerifierOption {
	return func(v *SessionVerifier) {
		v.logger = logger
	}
}

// WithSessionClockSkew sets the allowed clock skew.
func WithSessionClockSkew(skew time.Duration) SessionVerifierOption {
	return func(v *SessionVerifier) {
		v.skew = skew
	}
}

// WithSessionClock overrides the time source used for expiry checks.
func WithSessionClock(clock jwt.Clock) SessionVerifierOption {
	return func(v *SessionVerifier) {
		v.clock = clock
	}
}

// NewSessionVerifier creates a session verifier with the shared
// signing secret.
func NewSessionVerifier(secret []byte, opts ...SessionVerifierOption) (*SessionVerifier, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("session secret is required")
	}

	v := &SessionVerifier{
		secret: secret,
		skew:   30 * time.Second,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

// Verify validates the token signature and time claims and returns
// the user ID it carries. All failures map to ErrSessionInvalid; the
// underlying cause is logged, not returned, so that responses leak
// nothing about the token.
func (v *SessionVerifier) Verify(ctx context.Context, token string) (string, error) {
	parseOpts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, v.secret),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithContext(ctx),
	}
	if v.clock != nil {
		parseOpts = append(parseOpts, jwt.WithClock(v.clock))
	}

	tok, err := jwt.Parse([]byte(token), parseOpts...)
	if err != nil {
		v.logger.Debug("session token rejected", observability.Error(err))
		return "", ErrSessionInvalid
	}

	if raw, ok := tok.Get(userIDClaim); ok {
		if userID, ok := raw.(string); ok && userID != "" {
			return userID, nil
		}
	}
	if sub := tok.Subject(); sub != "" {
		return sub, nil
	}

	v.logger.Debug("session token has no user identifier")
	return "", ErrSessionInvalid
}
