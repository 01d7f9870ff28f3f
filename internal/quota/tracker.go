package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/briefwire/accessgate/internal/observability"
)

// The quota window is one calendar day in UTC. Every caller derives
// the same window key for the same instant, so limit resets happen at
// exactly 00:00 UTC and never at a drifting per-user moment.
const windowLayout = "2006-01-02"

// counterTTLSlack keeps expired windows around briefly so that a
// request racing a window boundary still sees consistent state.
const counterTTLSlack = 24 * time.Hour

// WindowKey returns the counter key for a user at a given instant.
func WindowKey(userID string, at time.Time) string {
	return fmt.Sprintf("%s:%s", userID, at.UTC().Format(windowLayout))
}

// WindowReset returns the instant the current window ends (the next
// UTC midnight after at).
func WindowReset(at time.Time) time.Time {
	day := at.UTC().Truncate(24 * time.Hour)
	return day.Add(24 * time.Hour)
}

// Result reports the outcome of a quota check.
type Result struct {
	// Granted is true if the request consumed a quota unit.
	Granted bool

	// Count is the counter value after the check.
	Count int64

	// Limit is the ceiling the check ran against.
	Limit int64

	// ResetAt is when the current window ends.
	ResetAt time.Time
}

// Tracker maintains per-user, per-day counters and performs the
// atomic check-and-consume.
type Tracker struct {
	store   CounterStore
	logger  observability.Logger
	metrics *Metrics
	now     func() time.Time
}

// TrackerOption is a functional option for the tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the logger for the tracker.
func WithTrackerLogger(logger observability.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithTrackerMetrics sets the metrics for the tracker.
func WithTrackerMetrics(metrics *Metrics) TrackerOption {
	return func(t *Tracker) {
		t.metrics = metrics
	}
}

// WithTrackerClock overrides the time source.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a new quota tracker.
func NewTracker(store CounterStore, opts ...TrackerOption) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	t := &Tracker{
		store:  store,
		logger: observability.NopLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.metrics == nil {
		t.metrics = GetSharedMetrics()
	}

	return t, nil
}

// CheckAndConsume atomically consumes one quota unit for the user in
// the current window if the counter is below limit. Callers invoke
// this only for requests the entitlement decision would otherwise
// allow, never for denied requests.
func (t *Tracker) CheckAndConsume(ctx context.Context, userID string, limit int64) (*Result, error) {
	now := t.now()
	resetAt := WindowReset(now)
	ttl := resetAt.Sub(now) + counterTTLSlack

	count, granted, err := t.store.IncrementBounded(ctx, WindowKey(userID, now), limit, ttl)
	if err != nil {
		t.metrics.RecordCheck("error")
		return nil, fmt.Errorf("quota check failed: %w", err)
	}

	if granted {
		t.metrics.RecordCheck("granted")
	} else {
		t.metrics.RecordCheck("exceeded")
		t.logger.Debug("quota exceeded",
			observability.String("user_id", userID),
			observability.Int64("count", count),
			observability.Int64("limit", limit),
		)
	}

	return &Result{
		Granted: granted,
		Count:   count,
		Limit:   limit,
		ResetAt: resetAt,
	}, nil
}

// Usage returns the counter value for the user's current window
// without consuming quota.
func (t *Tracker) Usage(ctx context.Context, userID string, limit int64) (*Result, error) {
	now := t.now()

	count, err := t.store.Get(ctx, WindowKey(userID, now))
	if err != nil {
		return nil, fmt.Errorf("quota read failed: %w", err)
	}

	return &Result{
		Granted: count < limit,
		Count:   count,
		Limit:   limit,
		ResetAt: WindowReset(now),
	}, nil
}
