package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_IsInactive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   Status
		inactive bool
	}{
		{StatusActive, false},
		{StatusTrial, false},
		{StatusExpired, true},
		{StatusCanceled, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()

			s := &State{UserID: "u1", Tier: TierIndividual, Status: tt.status}
			assert.Equal(t, tt.inactive, s.IsInactive())
		})
	}
}

func TestMemorySource(t *testing.T) {
	t.Parallel()

	src := NewMemorySource()
	ctx := context.Background()

	_, err := src.GetSubscription(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)

	expires := time.Now().Add(30 * 24 * time.Hour)
	src.Set(&State{
		UserID:       "u1",
		Tier:         TierOrganization,
		Status:       StatusActive,
		ArticleLimit: 0,
		ExpiresAt:    &expires,
	})

	state, err := src.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TierOrganization, state.Tier)
	assert.Equal(t, StatusActive, state.Status)

	// Returned state is a copy; mutating it must not affect the source.
	state.Status = StatusCanceled

	again, err := src.GetSubscription(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, again.Status)
}
