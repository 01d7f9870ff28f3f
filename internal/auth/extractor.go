package auth

import (
	"net/http"
	"strings"

	"github.com/briefwire/accessgate/internal/apikey"
)

// Credentials represents extracted credentials.
type Credentials struct {
	// Type is the credential type.
	Type CredentialType

	// Value is the credential value.
	Value string

	// Source is where the credential was extracted from.
	Source string
}

// CredentialType represents the type of credential.
type CredentialType string

// Credential types.
const (
	CredentialTypeAPIKey  CredentialType = "apikey"
	CredentialTypeSession CredentialType = "session"
)

const (
	headerAuthorization = "Authorization"
	headerAPIKey        = "X-API-Key"
	bearerPrefix        = "Bearer "
)

// Extract pulls credentials out of an HTTP request. API keys are
// accepted in the X-API-Key header or as a bearer token; any other
// bearer token is treated as a session token. X-API-Key wins when
// both headers are present.
func Extract(r *http.Request) (*Credentials, error) {
	if key := r.Header.Get(headerAPIKey); key != "" {
		return &Credentials{
			Type:   CredentialTypeAPIKey,
			Value:  key,
			Source: "header:" + headerAPIKey,
		}, nil
	}

	authz := r.Header.Get(headerAuthorization)
	if authz == "" {
		return nil, ErrNoCredentials
	}

	token, ok := strings.CutPrefix(authz, bearerPrefix)
	if !ok || token == "" {
		return nil, ErrNoCredentials
	}

	credType := CredentialTypeSession
	if strings.HasPrefix(token, apikey.Scheme) {
		credType = CredentialTypeAPIKey
	}

	return &Credentials{
		Type:   credType,
		Value:  token,
		Source: "header:" + headerAuthorization,
	}, nil
}
