package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads subscription state from the billing database.
//
// Expected schema (owned by the billing system):
//
//	CREATE TABLE subscriptions (
//	    user_id       TEXT PRIMARY KEY,
//	    tier          TEXT NOT NULL,
//	    status        TEXT NOT NULL,
//	    article_limit BIGINT NOT NULL DEFAULT 0,
//	    expires_at    TIMESTAMPTZ
//	);
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource creates a subscription source backed by the
// given pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// GetSubscription implements Source.
func (s *PostgresSource) GetSubscription(ctx context.Context, userID string) (*State, error) {
	query := `
		SELECT user_id, tier, status, article_limit, expires_at
		FROM subscriptions
		WHERE user_id = $1
	`

	var state State
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&state.UserID,
		&state.Tier,
		&state.Status,
		&state.ArticleLimit,
		&state.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return &state, nil
}

// Ensure PostgresSource implements Source.
var _ Source = (*PostgresSource)(nil)
