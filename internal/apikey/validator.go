package apikey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/briefwire/accessgate/internal/observability"
)

// defaultTouchTimeout bounds the background LastUsedAt update.
const defaultTouchTimeout = 2 * time.Second

// Validator authenticates presented API keys.
type Validator interface {
	// Validate authenticates an external key string and returns the
	// matching record. The returned error identifies why a key was
	// rejected: ErrKeyMalformed, ErrKeyNotFound, ErrKeyRevoked,
	// ErrKeyExpired, or ErrKeyInvalid.
	Validate(ctx context.Context, externalKey string) (*Record, error)
}

// validator implements the Validator interface.
type validator struct {
	store        Store
	logger       observability.Logger
	metrics      *Metrics
	touchTimeout time.Duration
	now          func() time.Time
}

// ValidatorOption is a functional option for the validator.
type ValidatorOption func(*validator)

// WithValidatorLogger sets the logger for the validator.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *validator) {
		v.logger = logger
	}
}

// WithValidatorMetrics sets the metrics for the validator.
func WithValidatorMetrics(metrics *Metrics) ValidatorOption {
	return func(v *validator) {
		v.metrics = metrics
	}
}

// WithValidatorClock overrides the time source.
func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *validator) {
		v.now = now
	}
}

// NewValidator creates a new API key validator.
func NewValidator(store Store, opts ...ValidatorOption) (Validator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	v := &validator{
		store:        store,
		logger:       observability.NopLogger(),
		touchTimeout: defaultTouchTimeout,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.metrics == nil {
		v.metrics = GetSharedMetrics()
	}

	return v, nil
}

// Validate authenticates an external key string.
//
// Status and expiry are checked before the hash comparison so revoked
// keys are rejected without comparison work. The comparison itself is
// bcrypt's constant-time check, so a mismatch leaks no timing signal
// about where it diverged.
func (v *validator) Validate(ctx context.Context, externalKey string) (*Record, error) {
	start := v.now()

	prefix, secret, err := Decode(externalKey)
	if err != nil {
		v.metrics.RecordValidation("error", "malformed", time.Since(start))
		return nil, ErrKeyMalformed
	}

	rec, err := v.store.GetByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			v.metrics.RecordValidation("error", "not_found", time.Since(start))
			return nil, ErrKeyNotFound
		}
		v.metrics.RecordValidation("error", "store_error", time.Since(start))
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	if !rec.Active {
		v.metrics.RecordValidation("error", "revoked", time.Since(start))
		return nil, ErrKeyRevoked
	}

	if rec.IsExpired(v.now()) {
		v.metrics.RecordValidation("error", "expired", time.Since(start))
		return nil, ErrKeyExpired
	}

	if err := bcrypt.CompareHashAndPassword([]byte(rec.SecretHash), []byte(secret)); err != nil {
		v.metrics.RecordValidation("error", "invalid", time.Since(start))
		return nil, ErrKeyInvalid
	}

	v.touchAsync(rec.ID)

	v.metrics.RecordValidation("success", "valid", time.Since(start))
	v.logger.Debug("api key validated",
		observability.String("key_id", rec.ID),
		observability.String("user_id", rec.UserID),
	)

	return rec, nil
}

// touchAsync records LastUsedAt in the background. The update never
// blocks or fails the authorization decision; if the store rejects
// it, the event is dropped.
func (v *validator) touchAsync(id string) {
	at := v.now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), v.touchTimeout)
		defer cancel()

		if err := v.store.TouchLastUsed(ctx, id, at); err != nil {
			v.logger.Debug("failed to record key use",
				observability.String("key_id", id),
				observability.Error(err),
			)
		}
	}()
}

// Ensure validator implements Validator.
var _ Validator = (*validator)(nil)
