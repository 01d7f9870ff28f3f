// Package auth is the authorization entry point: it turns an HTTP
// credential plus a content tier into an allow/deny verdict with a
// stable reason code. Infrastructure failures never propagate as
// errors; the facade fails closed with store_unavailable.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/briefwire/accessgate/internal/apikey"
	"github.com/briefwire/accessgate/internal/entitlement"
	"github.com/briefwire/accessgate/internal/observability"
	"github.com/briefwire/accessgate/internal/quota"
	"github.com/briefwire/accessgate/internal/retry"
	"github.com/briefwire/accessgate/internal/subscription"
)

// Default facade tuning.
const (
	defaultStoreTimeout     = 2 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerInterval  = 60 * time.Second
	defaultBreakerCooldown  = 30 * time.Second
	defaultFreeArticleLimit = 5
)

// FacadeConfig tunes the facade's store calls.
type FacadeConfig struct {
	// StoreTimeout bounds each individual store call.
	StoreTimeout time.Duration `yaml:"storeTimeout"`

	// Retry configures the backoff schedule for store failures.
	Retry *retry.Config `yaml:"retry"`

	// BreakerThreshold is the request count before failure ratio
	// can trip the breaker.
	BreakerThreshold uint32 `yaml:"breakerThreshold"`

	// BreakerInterval is the breaker's counting window.
	BreakerInterval time.Duration `yaml:"breakerInterval"`

	// BreakerCooldown is how long an open breaker waits before
	// probing again.
	BreakerCooldown time.Duration `yaml:"breakerCooldown"`

	// FreeArticleLimit is the daily article cap applied to users
	// without a subscription record.
	FreeArticleLimit int64 `yaml:"freeArticleLimit"`
}

// GetStoreTimeout returns the store timeout or a default.
func (c *FacadeConfig) GetStoreTimeout() time.Duration {
	if c == nil || c.StoreTimeout <= 0 {
		return defaultStoreTimeout
	}
	return c.StoreTimeout
}

// GetRetry returns the retry config, which may be nil (defaults
// apply inside retry.Do).
func (c *FacadeConfig) GetRetry() *retry.Config {
	if c == nil {
		return nil
	}
	return c.Retry
}

// GetBreakerThreshold returns the breaker trip threshold or a default.
func (c *FacadeConfig) GetBreakerThreshold() uint32 {
	if c == nil || c.BreakerThreshold == 0 {
		return defaultBreakerThreshold
	}
	return c.BreakerThreshold
}

// GetBreakerInterval returns the breaker counting window or a default.
func (c *FacadeConfig) GetBreakerInterval() time.Duration {
	if c == nil || c.BreakerInterval <= 0 {
		return defaultBreakerInterval
	}
	return c.BreakerInterval
}

// GetBreakerCooldown returns the breaker open duration or a default.
func (c *FacadeConfig) GetBreakerCooldown() time.Duration {
	if c == nil || c.BreakerCooldown <= 0 {
		return defaultBreakerCooldown
	}
	return c.BreakerCooldown
}

// GetFreeArticleLimit returns the default free-tier article limit.
func (c *FacadeConfig) GetFreeArticleLimit() int64 {
	if c == nil || c.FreeArticleLimit <= 0 {
		return defaultFreeArticleLimit
	}
	return c.FreeArticleLimit
}

// Verdict is the outcome of an authorization check.
type Verdict struct {
	// Allowed is true if the request may proceed.
	Allowed bool `json:"allowed"`

	// Reason explains a deny; empty on allow.
	Reason Reason `json:"reason,omitempty"`

	// UserID is the authenticated user, when authentication got
	// that far.
	UserID string `json:"user_id,omitempty"`

	// KeyID is the API key record used, when the key path ran.
	KeyID string `json:"key_id,omitempty"`

	// Quota carries counter state when the decision consumed quota.
	Quota *quota.Result `json:"quota,omitempty"`
}

// Facade orchestrates credential validation, subscription lookup,
// and entitlement resolution.
type Facade struct {
	validator  apikey.Validator
	subs       subscription.Source
	resolver   *entitlement.Resolver
	sessions   *SessionVerifier
	cfg        *FacadeConfig
	keyBreaker *storeBreaker
	subBreaker *storeBreaker
	freeLimit  atomic.Int64
	logger     observability.Logger
	metrics    *Metrics
}

// FacadeOption is a functional option for the facade.
type FacadeOption func(*Facade)

// WithFacadeLogger sets the logger for the facade.
func WithFacadeLogger(logger observability.Logger) FacadeOption {
	return func(f *Facade) {
		f.logger = logger
	}
}

// WithFacadeMetrics sets the metrics for the facade.
func WithFacadeMetrics(metrics *Metrics) FacadeOption {
	return func(f *Facade) {
		f.metrics = metrics
	}
}

// WithFacadeConfig sets the facade tuning.
func WithFacadeConfig(cfg *FacadeConfig) FacadeOption {
	return func(f *Facade) {
		f.cfg = cfg
	}
}

// WithSessionVerifier enables the session-token fallback path.
func WithSessionVerifier(v *SessionVerifier) FacadeOption {
	return func(f *Facade) {
		f.sessions = v
	}
}

// NewFacade creates an authorization facade.
func NewFacade(
	validator apikey.Validator,
	subs subscription.Source,
	resolver *entitlement.Resolver,
	opts ...FacadeOption,
) (*Facade, error) {
	if validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if subs == nil {
		return nil, fmt.Errorf("subscription source is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}

	f := &Facade{
		validator: validator,
		subs:      subs,
		resolver:  resolver,
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.metrics == nil {
		f.metrics = GetSharedMetrics()
	}

	f.keyBreaker = newStoreBreaker("apikey-store", f.cfg.GetBreakerThreshold(), f.cfg, f.logger)
	f.subBreaker = newStoreBreaker("subscription-store", f.cfg.GetBreakerThreshold(), f.cfg, f.logger)
	f.freeLimit.Store(f.cfg.GetFreeArticleLimit())

	return f, nil
}

// SetFreeArticleLimit updates the article limit applied to users
// without a subscription record. Safe to call concurrently with
// authorization; used by config hot reload.
func (f *Facade) SetFreeArticleLimit(limit int64) {
	if limit > 0 {
		f.freeLimit.Store(limit)
	}
}

// Authorize authenticates the credentials and resolves entitlement
// for the requested content tier. It always returns a verdict: any
// failure to reach a backing store becomes a deny with
// store_unavailable rather than an error.
func (f *Facade) Authorize(ctx context.Context, creds *Credentials, content entitlement.ContentTier) *Verdict {
	start := time.Now()
	verdict := f.authorize(ctx, creds, content)
	f.metrics.RecordAuthorize(verdict.Allowed, string(verdict.Reason), time.Since(start))
	return verdict
}

func (f *Facade) authorize(ctx context.Context, creds *Credentials, content entitlement.ContentTier) *Verdict {
	if creds == nil || creds.Value == "" {
		return &Verdict{Reason: ReasonNoCredentials}
	}

	var (
		userID string
		keyID  string
	)

	switch creds.Type {
	case CredentialTypeAPIKey:
		rec, err := f.validateKey(ctx, creds.Value)
		if err != nil {
			if reason, ok := reasonForKeyError(err); ok {
				return &Verdict{Reason: reason}
			}
			f.logger.Error("api key validation unavailable", observability.Error(err))
			return &Verdict{Reason: ReasonStoreUnavailable}
		}
		userID = rec.UserID
		keyID = rec.ID

	case CredentialTypeSession:
		if f.sessions == nil {
			return &Verdict{Reason: ReasonNoCredentials}
		}
		id, err := f.sessions.Verify(ctx, creds.Value)
		if err != nil {
			return &Verdict{Reason: ReasonNoCredentials}
		}
		userID = id

	default:
		return &Verdict{Reason: ReasonNoCredentials}
	}

	sub, err := f.lookupSubscription(ctx, userID)
	if err != nil {
		f.logger.Error("subscription lookup unavailable",
			observability.String("user_id", userID),
			observability.Error(err),
		)
		return &Verdict{Reason: ReasonStoreUnavailable, UserID: userID, KeyID: keyID}
	}

	decision, err := f.resolver.Resolve(ctx, sub, content)
	if err != nil {
		f.logger.Error("entitlement resolution unavailable",
			observability.String("user_id", userID),
			observability.Error(err),
		)
		return &Verdict{Reason: ReasonStoreUnavailable, UserID: userID, KeyID: keyID}
	}

	return &Verdict{
		Allowed: decision.Allowed,
		Reason:  reasonForDecision(decision.Reason),
		UserID:  userID,
		KeyID:   keyID,
		Quota:   decision.Quota,
	}
}

// validateKey runs key validation through the breaker and the retry
// schedule. Deterministic rejections return immediately; only
// infrastructure failures are retried or counted against the breaker.
func (f *Facade) validateKey(ctx context.Context, key string) (*apikey.Record, error) {
	var rec *apikey.Record
	err := f.keyBreaker.execute(func() error {
		return retry.Do(ctx, f.cfg.GetRetry(), func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.GetStoreTimeout())
			defer cancel()

			r, err := f.validator.Validate(attemptCtx, key)
			if err != nil {
				return err
			}
			rec = r
			return nil
		}, &retry.Options{
			ShouldRetry: func(err error) bool {
				return !isDeterministicKeyError(err)
			},
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				f.logger.Warn("retrying api key validation",
					observability.Int("attempt", attempt),
					observability.Duration("backoff", backoff),
					observability.Error(err),
				)
			},
		})
	}, isDeterministicKeyError)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// lookupSubscription fetches the user's subscription with the same
// retry and breaker treatment. A user without a record gets the
// default free-tier state rather than a deny.
func (f *Facade) lookupSubscription(ctx context.Context, userID string) (*subscription.State, error) {
	var state *subscription.State
	err := f.subBreaker.execute(func() error {
		return retry.Do(ctx, f.cfg.GetRetry(), func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.GetStoreTimeout())
			defer cancel()

			s, err := f.subs.GetSubscription(attemptCtx, userID)
			if err != nil {
				return err
			}
			state = s
			return nil
		}, &retry.Options{
			ShouldRetry: func(err error) bool {
				return !errors.Is(err, subscription.ErrNotFound)
			},
			OnRetry: func(attempt int, err error, backoff time.Duration) {
				f.logger.Warn("retrying subscription lookup",
					observability.String("user_id", userID),
					observability.Int("attempt", attempt),
					observability.Duration("backoff", backoff),
					observability.Error(err),
				)
			},
		})
	}, func(err error) bool {
		return errors.Is(err, subscription.ErrNotFound)
	})
	if errors.Is(err, subscription.ErrNotFound) {
		return &subscription.State{
			UserID:       userID,
			Tier:         subscription.TierFree,
			Status:       subscription.StatusActive,
			ArticleLimit: f.freeLimit.Load(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func isDeterministicKeyError(err error) bool {
	return errors.Is(err, apikey.ErrKeyMalformed) ||
		errors.Is(err, apikey.ErrKeyNotFound) ||
		errors.Is(err, apikey.ErrKeyInvalid) ||
		errors.Is(err, apikey.ErrKeyExpired) ||
		errors.Is(err, apikey.ErrKeyRevoked)
}
