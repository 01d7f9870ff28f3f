// Package subscription exposes read-only access to subscriber
// billing state. The billing system is the source of truth; this
// service only reads tiers and statuses from it.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Tier identifies what a subscriber pays for. This is a distinct
// vocabulary from content tiers: "individual" subscribers read
// "premium" content. The two must not be conflated.
type Tier string

// Subscription tiers.
const (
	TierFree         Tier = "free"
	TierIndividual   Tier = "individual"
	TierOrganization Tier = "organization"
)

// Status is the billing status of a subscription.
type Status string

// Subscription statuses.
const (
	StatusActive   Status = "active"
	StatusTrial    Status = "trial"
	StatusExpired  Status = "expired"
	StatusCanceled Status = "canceled"
)

// ErrNotFound indicates the user has no subscription record.
var ErrNotFound = errors.New("subscription not found")

// State is a point-in-time view of a user's subscription.
type State struct {
	// UserID is the subscriber.
	UserID string `json:"user_id"`

	// Tier is the subscription tier.
	Tier Tier `json:"tier"`

	// Status is the billing status.
	Status Status `json:"status"`

	// ArticleLimit is the daily free-article cap. Meaningful only
	// when Tier is TierFree.
	ArticleLimit int64 `json:"article_limit,omitempty"`

	// ExpiresAt is when the subscription period ends.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsInactive reports whether the subscription no longer grants
// access. Trial subscriptions count as active.
func (s *State) IsInactive() bool {
	return s.Status == StatusExpired || s.Status == StatusCanceled
}

// Source is the read-only collaborator for subscription state.
type Source interface {
	// GetSubscription returns the user's subscription, or ErrNotFound
	// when the billing system has no record for them.
	GetSubscription(ctx context.Context, userID string) (*State, error)
}

// MemorySource is an in-memory Source for tests and development.
type MemorySource struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemorySource creates an empty in-memory subscription source.
func NewMemorySource() *MemorySource {
	return &MemorySource{states: make(map[string]*State)}
}

// GetSubscription implements Source.
func (s *MemorySource) GetSubscription(_ context.Context, userID string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *state
	return &out, nil
}

// Set stores a subscription state.
func (s *MemorySource) Set(state *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *state
	s.states[state.UserID] = &copied
}

// Ensure MemorySource implements Source.
var _ Source = (*MemorySource)(nil)
