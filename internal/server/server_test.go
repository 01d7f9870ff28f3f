package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/briefwire/accessgate/internal/apikey"
	"github.com/briefwire/accessgate/internal/auth"
	"github.com/briefwire/accessgate/internal/entitlement"
	"github.com/briefwire/accessgate/internal/quota"
	"github.com/briefwire/accessgate/internal/subscription"
)

type serverFixture struct {
	server  *Server
	keys    apikey.Store
	issuer  *apikey.Issuer
	subs    *subscription.MemorySource
	tracker *quota.Tracker
}

func newServerFixture(t *testing.T, mutate func(*Options)) *serverFixture {
	t.Helper()

	keys := apikey.NewMemoryStore()

	issuer, err := apikey.NewIssuer(keys, apikey.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)

	rotator, err := apikey.NewRotator(keys, issuer)
	require.NoError(t, err)

	validator, err := apikey.NewValidator(keys)
	require.NoError(t, err)

	subs := subscription.NewMemorySource()

	tracker, err := quota.NewTracker(quota.NewMemoryCounterStore())
	require.NoError(t, err)

	resolver, err := entitlement.NewResolver(tracker)
	require.NoError(t, err)

	facade, err := auth.NewFacade(validator, subs, resolver)
	require.NoError(t, err)

	opts := Options{
		Addr:             ":0",
		FreeArticleLimit: 5,
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv, err := New(Dependencies{
		Facade:  facade,
		Issuer:  issuer,
		Rotator: rotator,
		Keys:    keys,
		Tracker: tracker,
		Subs:    subs,
	}, opts)
	require.NoError(t, err)

	return &serverFixture{
		server:  srv,
		keys:    keys,
		issuer:  issuer,
		subs:    subs,
		tracker: tracker,
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	f.server.Engine().ServeHTTP(w, req)
	return w
}

func (f *serverFixture) issueKey(t *testing.T, userID string) (string, string) {
	t.Helper()

	w := f.do(t, http.MethodPost, "/v1/keys", map[string]string{"userId": userID}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Key    string `json:"key"`
		Record struct {
			ID string `json:"id"`
		} `json:"record"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Key)
	return resp.Key, resp.Record.ID
}

func TestServer_AuthorizeAllow(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	key, _ := fx.issueKey(t, "u1")
	fx.subs.Set(&subscription.State{
		UserID: "u1",
		Tier:   subscription.TierIndividual,
		Status: subscription.StatusActive,
	})

	w := fx.do(t, http.MethodPost, "/v1/authorize",
		map[string]string{"contentTier": "premium"},
		map[string]string{"X-API-Key": key},
	)
	assert.Equal(t, http.StatusOK, w.Code)

	var verdict auth.Verdict
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verdict))
	assert.True(t, verdict.Allowed)
	assert.Equal(t, "u1", verdict.UserID)
}

func TestServer_AuthorizeStatusMapping(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	key, keyID := fx.issueKey(t, "u1")
	fx.subs.Set(&subscription.State{
		UserID:       "u1",
		Tier:         subscription.TierFree,
		Status:       subscription.StatusActive,
		ArticleLimit: 1,
	})

	// Free-tier grant consumes the single quota unit.
	w := fx.do(t, http.MethodPost, "/v1/authorize",
		map[string]string{"contentTier": "free"},
		map[string]string{"X-API-Key": key},
	)
	assert.Equal(t, http.StatusOK, w.Code)

	// Quota exhausted.
	w = fx.do(t, http.MethodPost, "/v1/authorize",
		map[string]string{"contentTier": "free"},
		map[string]string{"X-API-Key": key},
	)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Tier too low for premium.
	w = fx.do(t, http.MethodPost, "/v1/authorize",
		map[string]string{"contentTier": "premium"},
		map[string]string{"X-API-Key": key},
	)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// No credentials at all.
	w = fx.do(t, http.MethodPost, "/v1/authorize", map[string]string{}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Revoked key.
	rw := fx.do(t, http.MethodDelete, "/v1/keys/"+keyID, nil, nil)
	require.Equal(t, http.StatusNoContent, rw.Code)

	w = fx.do(t, http.MethodPost, "/v1/authorize",
		map[string]string{"contentTier": "free"},
		map[string]string{"X-API-Key": key},
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var verdict auth.Verdict
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verdict))
	assert.Equal(t, auth.ReasonKeyRevoked, verdict.Reason)
}

func TestServer_IssueKeyValidation(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)

	w := fx.do(t, http.MethodPost, "/v1/keys", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = fx.do(t, http.MethodPost, "/v1/keys",
		map[string]string{"userId": "u1", "ttl": "soon"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ListKeys(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	fx.issueKey(t, "u1")
	fx.issueKey(t, "u1")

	w := fx.do(t, http.MethodGet, "/v1/keys?userId=u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Keys []*apikey.Record `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Keys, 2)

	// Secret hashes must not appear in responses.
	assert.NotContains(t, w.Body.String(), "secret")

	w = fx.do(t, http.MethodGet, "/v1/keys", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_RotateKey(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	oldKey, keyID := fx.issueKey(t, "u1")

	w := fx.do(t, http.MethodPost, "/v1/keys/"+keyID+"/rotate", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Key string `json:"key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Key)
	assert.NotEqual(t, oldKey, resp.Key)

	// Rotating an already-rotated (revoked) key conflicts.
	w = fx.do(t, http.MethodPost, "/v1/keys/"+keyID+"/rotate", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = fx.do(t, http.MethodPost, "/v1/keys/missing/rotate", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_RevokeKey(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	_, keyID := fx.issueKey(t, "u1")

	w := fx.do(t, http.MethodDelete, "/v1/keys/"+keyID, nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Idempotent.
	w = fx.do(t, http.MethodDelete, "/v1/keys/"+keyID, nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = fx.do(t, http.MethodDelete, "/v1/keys/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_QuotaEndpoint(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)
	key, _ := fx.issueKey(t, "u1")
	fx.subs.Set(&subscription.State{
		UserID:       "u1",
		Tier:         subscription.TierFree,
		Status:       subscription.StatusActive,
		ArticleLimit: 3,
	})

	// Consume two units.
	for i := 0; i < 2; i++ {
		w := fx.do(t, http.MethodPost, "/v1/authorize",
			map[string]string{"contentTier": "free"},
			map[string]string{"X-API-Key": key},
		)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := fx.do(t, http.MethodGet, "/v1/quota/u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp quotaResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Count)
	assert.Equal(t, int64(3), resp.Limit)
	assert.Equal(t, int64(1), resp.Remaining)
	assert.False(t, resp.ResetAt.IsZero())

	// Unknown users report the default limit untouched.
	w = fx.do(t, http.MethodGet, "/v1/quota/stranger", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(0), resp.Count)
	assert.Equal(t, int64(5), resp.Limit)
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	healthy := newServerFixture(t, func(o *Options) {
		o.HealthChecks = []HealthCheck{
			{Name: "store", Check: func(context.Context) error { return nil }},
		}
	})

	w := healthy.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	unhealthy := newServerFixture(t, func(o *Options) {
		o.HealthChecks = []HealthCheck{
			{Name: "store", Check: func(context.Context) error { return errors.New("down") }},
		}
	})

	w = unhealthy.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "down")
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, func(o *Options) {
		o.RateLimiter = NewRateLimiter(1, 2)
	})

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		w := fx.do(t, http.MethodGet, "/healthz", nil, nil)
		codes[w.Code]++
	}

	assert.Equal(t, 2, codes[http.StatusOK])
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])
}

func TestServer_RequestIDPropagation(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, nil)

	w := fx.do(t, http.MethodGet, "/healthz", nil, map[string]string{
		HeaderRequestID: "req-42",
	})
	assert.Equal(t, "req-42", w.Header().Get(HeaderRequestID))

	w = fx.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
}

func TestServer_StartAndShutdown(t *testing.T) {
	t.Parallel()

	fx := newServerFixture(t, func(o *Options) {
		o.Addr = "127.0.0.1:0"
		o.ShutdownTimeout = time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- fx.server.Start(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStatusForReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		reason auth.Reason
		status int
	}{
		{auth.ReasonNone, http.StatusOK},
		{auth.ReasonKeyMalformed, http.StatusUnauthorized},
		{auth.ReasonKeyNotFound, http.StatusUnauthorized},
		{auth.ReasonKeyExpired, http.StatusUnauthorized},
		{auth.ReasonKeyRevoked, http.StatusUnauthorized},
		{auth.ReasonNoCredentials, http.StatusUnauthorized},
		{auth.ReasonSubscriptionInactive, http.StatusForbidden},
		{auth.ReasonTierInsufficient, http.StatusForbidden},
		{auth.ReasonQuotaExceeded, http.StatusTooManyRequests},
		{auth.ReasonStoreUnavailable, http.StatusServiceUnavailable},
		{auth.Reason("mystery"), http.StatusForbidden},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("%s_%d", tt.reason, tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.status, statusForReason(tt.reason))
		})
	}
}
