package apikey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the PostgreSQL error code for a unique
// constraint violation.
const uniqueViolation = "23505"

// PostgresStore implements Store using a pgx connection pool. The
// pool is owned by the process lifecycle and injected at startup.
//
// Expected schema:
//
//	CREATE TABLE api_keys (
//	    id           TEXT PRIMARY KEY,
//	    user_id      TEXT NOT NULL,
//	    name         TEXT NOT NULL,
//	    prefix       TEXT NOT NULL UNIQUE,
//	    secret_hash  TEXT NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    expires_at   TIMESTAMPTZ,
//	    last_used_at TIMESTAMPTZ,
//	    active       BOOLEAN NOT NULL,
//	    version      BIGINT NOT NULL
//	);
//	CREATE INDEX api_keys_user_id_idx ON api_keys (user_id);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a key store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const recordColumns = `id, user_id, name, prefix, secret_hash, created_at, expires_at, last_used_at, active, version`

// GetByPrefix implements Store. Single-row reads on the primary are
// linearizable, which revocation correctness depends on.
func (s *PostgresStore) GetByPrefix(ctx context.Context, prefix string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM api_keys WHERE prefix = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, prefix))
}

// GetByID implements Store.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM api_keys WHERE id = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

// ListByUser implements Store.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO api_keys (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
	`

	_, err := s.pool.Exec(ctx, query,
		rec.ID,
		rec.UserID,
		rec.Name,
		rec.Prefix,
		rec.SecretHash,
		rec.CreatedAt,
		rec.ExpiresAt,
		rec.LastUsedAt,
		rec.Active,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrPrefixExists
		}
		return fmt.Errorf("failed to insert api key: %w", err)
	}

	rec.Version = 1
	return nil
}

// CompareAndSet implements Store.
func (s *PostgresStore) CompareAndSet(ctx context.Context, expectedVersion int64, rec *Record) error {
	query := `
		UPDATE api_keys
		SET name = $1, expires_at = $2, active = $3, version = version + 1
		WHERE id = $4 AND version = $5
	`

	tag, err := s.pool.Exec(ctx, query,
		rec.Name,
		rec.ExpiresAt,
		rec.Active,
		rec.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Distinguish a missing record from a lost race.
		if _, getErr := s.GetByID(ctx, rec.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}

	rec.Version = expectedVersion + 1
	return nil
}

// TouchLastUsed implements Store. Does not bump the version so it
// cannot invalidate a concurrent conditional update.
func (s *PostgresStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`

	tag, err := s.pool.Exec(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Close implements Store. The pool is shared, so Close is a no-op;
// pool shutdown belongs to the process lifecycle.
func (s *PostgresStore) Close() error {
	return nil
}

// scanOne scans a single record from a row.
func (s *PostgresStore) scanOne(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Name,
		&rec.Prefix,
		&rec.SecretHash,
		&rec.CreatedAt,
		&rec.ExpiresAt,
		&rec.LastUsedAt,
		&rec.Active,
		&rec.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to scan api key: %w", err)
	}
	return &rec, nil
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
