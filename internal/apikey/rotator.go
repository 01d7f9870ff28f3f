package apikey

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/briefwire/accessgate/internal/observability"
)

// TTLPolicy controls the expiry of a key created by rotation.
type TTLPolicy string

const (
	// TTLPolicyReset gives the new key a fresh default TTL.
	TTLPolicyReset TTLPolicy = "reset"

	// TTLPolicyResidual carries over the remaining lifetime of the
	// rotated key.
	TTLPolicyResidual TTLPolicy = "residual"
)

// revokeAttempts bounds the CAS retry loop when deactivating the old
// record after rotation.
const revokeAttempts = 3

// Rotator atomically supersedes an existing key with a new one.
type Rotator struct {
	store      Store
	issuer     *Issuer
	logger     observability.Logger
	metrics    *Metrics
	ttlPolicy  TTLPolicy
	defaultTTL atomic.Int64
	now        func() time.Time
}

// RotatorOption is a functional option for the rotator.
type RotatorOption func(*Rotator)

// WithRotatorLogger sets the logger for the rotator.
func WithRotatorLogger(logger observability.Logger) RotatorOption {
	return func(r *Rotator) {
		r.logger = logger
	}
}

// WithRotatorMetrics sets the metrics for the rotator.
func WithRotatorMetrics(metrics *Metrics) RotatorOption {
	return func(r *Rotator) {
		r.metrics = metrics
	}
}

// WithTTLPolicy sets how the new key's expiry is derived.
func WithTTLPolicy(policy TTLPolicy, defaultTTL time.Duration) RotatorOption {
	return func(r *Rotator) {
		r.ttlPolicy = policy
		r.defaultTTL.Store(int64(defaultTTL))
	}
}

// WithRotatorClock overrides the time source.
func WithRotatorClock(now func() time.Time) RotatorOption {
	return func(r *Rotator) {
		r.now = now
	}
}

// NewRotator creates a new key rotator.
func NewRotator(store Store, issuer *Issuer, opts ...RotatorOption) (*Rotator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("issuer is required")
	}

	r := &Rotator{
		store:     store,
		issuer:    issuer,
		logger:    observability.NopLogger(),
		ttlPolicy: TTLPolicyReset,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.metrics == nil {
		r.metrics = GetSharedMetrics()
	}

	return r, nil
}

// Rotate issues a replacement key for the record identified by keyID
// and then deactivates the old record. The new key is committed
// before the old one is revoked, so a caller mid-rotation always
// holds at least one valid credential. If the revoke step fails after
// the new key is committed, the rotation still succeeds; the old key
// staying temporarily active is the safe failure mode.
func (r *Rotator) Rotate(ctx context.Context, keyID string) (string, *Record, error) {
	old, err := r.store.GetByID(ctx, keyID)
	if err != nil {
		return "", nil, err
	}
	if !old.Active {
		return "", nil, ErrKeyRevoked
	}

	externalKey, newRec, err := r.issuer.Issue(ctx, old.UserID, old.Name, r.newTTL(old))
	if err != nil {
		return "", nil, fmt.Errorf("failed to issue replacement key: %w", err)
	}

	if err := r.deactivate(ctx, old); err != nil {
		r.logger.Warn("rotation committed but old key not yet revoked",
			observability.String("old_key_id", old.ID),
			observability.String("new_key_id", newRec.ID),
			observability.Error(err),
		)
	}

	r.metrics.RecordRotation()
	r.logger.Info("api key rotated",
		observability.String("old_key_id", old.ID),
		observability.String("new_key_id", newRec.ID),
		observability.String("user_id", old.UserID),
	)

	return externalKey, newRec, nil
}

// SetDefaultTTL updates the fresh TTL applied under the reset policy.
// Safe to call concurrently with rotations.
func (r *Rotator) SetDefaultTTL(d time.Duration) {
	r.defaultTTL.Store(int64(d))
}

// Revoke permanently deactivates the record identified by keyID.
// Revoking an already-inactive key is a no-op.
func (r *Rotator) Revoke(ctx context.Context, keyID string) error {
	rec, err := r.store.GetByID(ctx, keyID)
	if err != nil {
		return err
	}
	if !rec.Active {
		return nil
	}

	if err := r.deactivate(ctx, rec); err != nil {
		return err
	}

	r.metrics.RecordRevocation()
	r.logger.Info("api key revoked",
		observability.String("key_id", keyID),
		observability.String("user_id", rec.UserID),
	)
	return nil
}

// newTTL derives the replacement key's TTL from the policy.
func (r *Rotator) newTTL(old *Record) time.Duration {
	if r.ttlPolicy == TTLPolicyResidual && old.ExpiresAt != nil {
		remaining := old.ExpiresAt.Sub(r.now())
		if remaining > 0 {
			return remaining
		}
	}
	return time.Duration(r.defaultTTL.Load())
}

// deactivate sets Active=false via conditional update, re-reading on
// version conflicts.
func (r *Rotator) deactivate(ctx context.Context, rec *Record) error {
	var lastErr error
	for attempt := 0; attempt < revokeAttempts; attempt++ {
		updated := rec.Clone()
		updated.Active = false

		lastErr = r.store.CompareAndSet(ctx, rec.Version, updated)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrVersionConflict) {
			return lastErr
		}

		rec, lastErr = r.store.GetByID(ctx, rec.ID)
		if lastErr != nil {
			return lastErr
		}
		if !rec.Active {
			// Someone else already deactivated it.
			return nil
		}
	}
	return lastErr
}
