// Package entitlement decides whether a subscriber may read a piece
// of content, combining subscription tier, billing status, content
// tier, and quota state.
package entitlement

import (
	"context"
	"fmt"

	"github.com/briefwire/accessgate/internal/observability"
	"github.com/briefwire/accessgate/internal/quota"
	"github.com/briefwire/accessgate/internal/subscription"
)

// ContentTier classifies the content being requested. This is a
// property of the article, independent of the subscriber's tier name.
type ContentTier string

// Content tiers.
const (
	ContentFree         ContentTier = "free"
	ContentPremium      ContentTier = "premium"
	ContentOrganization ContentTier = "organization"
)

// Reason explains a deny decision.
type Reason string

// Deny reasons.
const (
	ReasonNone                 Reason = ""
	ReasonSubscriptionInactive Reason = "subscription_inactive"
	ReasonTierInsufficient     Reason = "tier_insufficient"
	ReasonQuotaExceeded        Reason = "quota_exceeded"
)

// Decision is the outcome of an entitlement resolution.
type Decision struct {
	// Allowed is true if the subscriber may read the content.
	Allowed bool

	// Reason explains a deny; empty on allow.
	Reason Reason

	// Quota carries counter state when the decision consulted the
	// quota tracker; nil otherwise.
	Quota *quota.Result
}

// allow is the static entitlement matrix, subscription tier by
// content tier. The (free, free) cell is additionally subject to
// quota, handled in Resolve. Tiers absent from the matrix fail
// closed.
var allow = map[subscription.Tier]map[ContentTier]bool{
	subscription.TierFree: {
		ContentFree:         true,
		ContentPremium:      false,
		ContentOrganization: false,
	},
	subscription.TierIndividual: {
		ContentFree:         true,
		ContentPremium:      true,
		ContentOrganization: false,
	},
	subscription.TierOrganization: {
		ContentFree:         true,
		ContentPremium:      true,
		ContentOrganization: true,
	},
}

// Resolver resolves entitlement decisions.
type Resolver struct {
	tracker *quota.Tracker
	logger  observability.Logger
}

// ResolverOption is a functional option for the resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger for the resolver.
func WithResolverLogger(logger observability.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a new entitlement resolver.
func NewResolver(tracker *quota.Tracker, opts ...ResolverOption) (*Resolver, error) {
	if tracker == nil {
		return nil, fmt.Errorf("quota tracker is required")
	}

	r := &Resolver{
		tracker: tracker,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Resolve decides whether the subscriber may read content of the
// given tier. Only the (free subscription, free content) cell
// consults the quota tracker and consumes quota; every other cell is
// a pure matrix lookup. The error return is non-nil only when the
// quota store fails, which callers treat as infrastructure failure
// and deny.
func (r *Resolver) Resolve(ctx context.Context, sub *subscription.State, content ContentTier) (*Decision, error) {
	if sub.IsInactive() {
		return &Decision{Reason: ReasonSubscriptionInactive}, nil
	}

	row, ok := allow[sub.Tier]
	if !ok {
		// Unknown subscription tier: fail closed.
		r.logger.Warn("unknown subscription tier",
			observability.String("user_id", sub.UserID),
			observability.String("tier", string(sub.Tier)),
		)
		return &Decision{Reason: ReasonTierInsufficient}, nil
	}

	permitted, known := row[content]
	if !known || !permitted {
		return &Decision{Reason: ReasonTierInsufficient}, nil
	}

	if sub.Tier == subscription.TierFree && content == ContentFree {
		res, err := r.tracker.CheckAndConsume(ctx, sub.UserID, sub.ArticleLimit)
		if err != nil {
			return nil, err
		}
		if !res.Granted {
			return &Decision{Reason: ReasonQuotaExceeded, Quota: res}, nil
		}
		return &Decision{Allowed: true, Quota: res}, nil
	}

	return &Decision{Allowed: true}, nil
}
