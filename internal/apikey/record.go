// Package apikey implements issuance, validation, rotation, and
// revocation of API keys. A key is presented externally as a single
// string but stored as a public lookup prefix plus a one-way hash of
// the secret half, so validation never scans stored hashes.
package apikey

import (
	"errors"
	"time"
)

// Common errors for API key operations.
var (
	// ErrKeyMalformed indicates the presented key does not parse.
	ErrKeyMalformed = errors.New("api key malformed")

	// ErrKeyNotFound indicates no record exists for the key prefix.
	ErrKeyNotFound = errors.New("api key not found")

	// ErrKeyRevoked indicates the key record has been deactivated.
	ErrKeyRevoked = errors.New("api key revoked")

	// ErrKeyExpired indicates the key record has passed its expiry.
	ErrKeyExpired = errors.New("api key expired")

	// ErrKeyInvalid indicates the presented secret does not match.
	ErrKeyInvalid = errors.New("api key invalid")

	// ErrPrefixExists indicates a store write collided on the prefix.
	ErrPrefixExists = errors.New("api key prefix already exists")

	// ErrVersionConflict indicates a conditional update lost a race.
	ErrVersionConflict = errors.New("api key version conflict")
)

// Record is the durable representation of an API key. The plaintext
// secret is never part of the record; only SecretHash is stored.
type Record struct {
	// ID is the unique identifier for the record.
	ID string `json:"id"`

	// UserID is the owner of the key.
	UserID string `json:"user_id"`

	// Name is a human-readable label for the key.
	Name string `json:"name"`

	// Prefix is the public lookup half of the key.
	Prefix string `json:"prefix"`

	// SecretHash is the bcrypt hash of the secret half.
	SecretHash string `json:"-"`

	// CreatedAt is when the key was issued.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the key expires; nil means no expiration.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// LastUsedAt is best-effort telemetry; nil until first use.
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	// Active is false once the key is revoked or superseded.
	// A deactivated record is terminal and never reactivated.
	Active bool `json:"active"`

	// Version is the optimistic concurrency token for conditional
	// updates. Incremented by the store on every successful write.
	Version int64 `json:"-"`
}

// IsExpired returns true if the record has an expiry in the past.
func (r *Record) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		out.ExpiresAt = &t
	}
	if r.LastUsedAt != nil {
		t := *r.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}
