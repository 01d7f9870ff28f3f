package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/briefwire/accessgate/internal/observability"
)

// maxPrefixAttempts bounds the prefix collision retry loop. With a
// 48-bit random prefix a collision is already vanishingly rare.
const maxPrefixAttempts = 3

// ErrPrefixSpaceExhausted is returned when prefix generation keeps
// colliding, which in practice means the store is misbehaving.
var ErrPrefixSpaceExhausted = errors.New("could not generate a unique key prefix")

// Issuer creates new API key records.
type Issuer struct {
	store      Store
	logger     observability.Logger
	metrics    *Metrics
	bcryptCost int
	now        func() time.Time
}

// IssuerOption is a functional option for the issuer.
type IssuerOption func(*Issuer)

// WithIssuerLogger sets the logger for the issuer.
func WithIssuerLogger(logger observability.Logger) IssuerOption {
	return func(i *Issuer) {
		i.logger = logger
	}
}

// WithIssuerMetrics sets the metrics for the issuer.
func WithIssuerMetrics(metrics *Metrics) IssuerOption {
	return func(i *Issuer) {
		i.metrics = metrics
	}
}

// WithBcryptCost sets the bcrypt cost used for secret hashing.
// Tests use bcrypt.MinCost to keep hashing fast.
func WithBcryptCost(cost int) IssuerOption {
	return func(i *Issuer) {
		i.bcryptCost = cost
	}
}

// WithIssuerClock overrides the time source.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer creates a new key issuer.
func NewIssuer(store Store, opts ...IssuerOption) (*Issuer, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	i := &Issuer{
		store:      store,
		logger:     observability.NopLogger(),
		bcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(i)
	}

	if i.metrics == nil {
		i.metrics = GetSharedMetrics()
	}

	return i, nil
}

// Issue creates a new key for the user and returns the external key
// string together with the persisted record. The plaintext secret
// exists only in the returned string; it is never stored or logged.
// If the store write fails, nothing is returned.
func (i *Issuer) Issue(ctx context.Context, userID, name string, ttl time.Duration) (string, *Record, error) {
	secret, err := randomHex(SecretLen / 2)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), i.bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash secret: %w", err)
	}

	now := i.now().UTC()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	var lastErr error
	for attempt := 0; attempt < maxPrefixAttempts; attempt++ {
		prefix, err := randomHex(PrefixLen / 2)
		if err != nil {
			return "", nil, fmt.Errorf("failed to generate prefix: %w", err)
		}

		rec := &Record{
			ID:         uuid.NewString(),
			UserID:     userID,
			Name:       name,
			Prefix:     prefix,
			SecretHash: string(hash),
			CreatedAt:  now,
			ExpiresAt:  expiresAt,
			Active:     true,
		}

		if err := i.store.Put(ctx, rec); err != nil {
			if errors.Is(err, ErrPrefixExists) {
				lastErr = err
				continue
			}
			return "", nil, err
		}

		i.metrics.RecordIssued()
		i.logger.Info("api key issued",
			observability.String("key_id", rec.ID),
			observability.String("user_id", userID),
			observability.String("prefix", prefix),
			observability.Bool("expires", expiresAt != nil),
		)

		return Encode(prefix, secret), rec, nil
	}

	return "", nil, fmt.Errorf("%w: %w", ErrPrefixSpaceExhausted, lastErr)
}

// randomHex returns n cryptographically random bytes, hex encoded.
func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
