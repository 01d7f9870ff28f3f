package auth

import (
	"errors"

	"github.com/briefwire/accessgate/internal/apikey"
	"github.com/briefwire/accessgate/internal/entitlement"
)

// Sentinel errors for authorization operations.
var (
	// ErrNoCredentials indicates that no credentials were provided.
	ErrNoCredentials = errors.New("no credentials provided")

	// ErrSessionInvalid indicates the session token failed validation.
	ErrSessionInvalid = errors.New("invalid session token")

	// ErrStoreUnavailable indicates a backing store could not be
	// reached after retries.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Reason is the machine-readable explanation attached to a deny
// verdict. The vocabulary is stable: clients branch on these values.
type Reason string

// Deny reasons.
const (
	ReasonNone                 Reason = ""
	ReasonKeyMalformed         Reason = "key_malformed"
	ReasonKeyNotFound          Reason = "key_not_found"
	ReasonKeyExpired           Reason = "key_expired"
	ReasonKeyRevoked           Reason = "key_revoked"
	ReasonQuotaExceeded        Reason = "quota_exceeded"
	ReasonSubscriptionInactive Reason = "subscription_inactive"
	ReasonTierInsufficient     Reason = "tier_insufficient"
	ReasonStoreUnavailable     Reason = "store_unavailable"
	ReasonNoCredentials        Reason = "no_credentials"
)

// reasonForKeyError maps a validation error to a deny reason. A
// secret mismatch reports key_not_found so that responses do not
// reveal whether a given prefix exists.
func reasonForKeyError(err error) (Reason, bool) {
	switch {
	case errors.Is(err, apikey.ErrKeyMalformed):
		return ReasonKeyMalformed, true
	case errors.Is(err, apikey.ErrKeyNotFound), errors.Is(err, apikey.ErrKeyInvalid):
		return ReasonKeyNotFound, true
	case errors.Is(err, apikey.ErrKeyExpired):
		return ReasonKeyExpired, true
	case errors.Is(err, apikey.ErrKeyRevoked):
		return ReasonKeyRevoked, true
	default:
		return ReasonNone, false
	}
}

// reasonForDecision converts an entitlement deny reason to the
// authorization vocabulary. The two packages use the same wire
// values; the conversion keeps them decoupled.
func reasonForDecision(r entitlement.Reason) Reason {
	return Reason(r)
}
