package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/briefwire/accessgate/internal/apikey"
	"github.com/briefwire/accessgate/internal/auth"
	"github.com/briefwire/accessgate/internal/entitlement"
	"github.com/briefwire/accessgate/internal/observability"
	"github.com/briefwire/accessgate/internal/subscription"
)

// statusForReason maps deny reasons to HTTP status codes: key and
// credential problems are 401, tier and subscription problems 403,
// quota 429, infrastructure 503.
func statusForReason(reason auth.Reason) int {
	switch reason {
	case auth.ReasonNone:
		return http.StatusOK
	case auth.ReasonKeyMalformed, auth.ReasonKeyNotFound,
		auth.ReasonKeyExpired, auth.ReasonKeyRevoked,
		auth.ReasonNoCredentials:
		return http.StatusUnauthorized
	case auth.ReasonSubscriptionInactive, auth.ReasonTierInsufficient:
		return http.StatusForbidden
	case auth.ReasonQuotaExceeded:
		return http.StatusTooManyRequests
	case auth.ReasonStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusForbidden
	}
}

type authorizeRequest struct {
	ContentTier string `json:"contentTier"`
}

// handleAuthorize runs the full authorization pipeline for the
// calling credential.
func (s *Server) handleAuthorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ContentTier == "" {
		req.ContentTier = string(entitlement.ContentFree)
	}

	creds, err := auth.Extract(c.Request)
	if err != nil {
		creds = nil
	}

	verdict := s.deps.Facade.Authorize(c.Request.Context(), creds, entitlement.ContentTier(req.ContentTier))
	c.JSON(statusForReason(verdict.Reason), verdict)
}

type issueKeyRequest struct {
	UserID string `json:"userId" binding:"required"`
	Name   string `json:"name"`
	TTL    string `json:"ttl"`
}

type keyResponse struct {
	Key    string         `json:"key,omitempty"`
	Record *apikey.Record `json:"record"`
}

// handleIssueKey mints a new API key. The full key appears only in
// this response; the service stores a hash.
func (s *Server) handleIssueKey(c *gin.Context) {
	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}

	ttl := time.Duration(s.defaultKeyTTL.Load())
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ttl"})
			return
		}
		ttl = parsed
	}

	external, rec, err := s.deps.Issuer.Issue(c.Request.Context(), req.UserID, req.Name, ttl)
	if err != nil {
		s.logger.Error("key issuance failed",
			observability.String("user_id", req.UserID),
			observability.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "key issuance failed"})
		return
	}

	c.JSON(http.StatusCreated, keyResponse{Key: external, Record: rec})
}

// handleListKeys returns the caller's key records, newest first.
// Secret hashes never leave the store layer.
func (s *Server) handleListKeys(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId query parameter is required"})
		return
	}

	recs, err := s.deps.Keys.ListByUser(c.Request.Context(), userID)
	if err != nil {
		s.logger.Error("key listing failed",
			observability.String("user_id", userID),
			observability.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "key listing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"keys": recs})
}

// handleRotateKey supersedes a key with a fresh one. The old key is
// revoked only after the new one is durable.
func (s *Server) handleRotateKey(c *gin.Context) {
	keyID := c.Param("id")

	external, rec, err := s.deps.Rotator.Rotate(c.Request.Context(), keyID)
	if err != nil {
		switch {
		case errors.Is(err, apikey.ErrKeyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		case errors.Is(err, apikey.ErrKeyRevoked):
			c.JSON(http.StatusConflict, gin.H{"error": "key is revoked"})
		default:
			s.logger.Error("key rotation failed",
				observability.String("key_id", keyID),
				observability.Error(err),
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "key rotation failed"})
		}
		return
	}

	c.JSON(http.StatusOK, keyResponse{Key: external, Record: rec})
}

// handleRevokeKey deactivates a key. Revoking twice is a no-op.
func (s *Server) handleRevokeKey(c *gin.Context) {
	keyID := c.Param("id")

	if err := s.deps.Rotator.Revoke(c.Request.Context(), keyID); err != nil {
		switch {
		case errors.Is(err, apikey.ErrKeyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		default:
			s.logger.Error("key revocation failed",
				observability.String("key_id", keyID),
				observability.Error(err),
			)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "key revocation failed"})
		}
		return
	}

	c.Status(http.StatusNoContent)
}

type quotaResponse struct {
	UserID    string    `json:"userId"`
	Count     int64     `json:"count"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// handleQuota reports the user's free-article usage for the current
// window without consuming quota. Backs the "N of M free articles
// today" banner.
func (s *Server) handleQuota(c *gin.Context) {
	userID := c.Param("userID")

	limit := s.freeLimit.Load()
	sub, err := s.deps.Subs.GetSubscription(c.Request.Context(), userID)
	switch {
	case err == nil:
		if sub.Tier == subscription.TierFree && sub.ArticleLimit > 0 {
			limit = sub.ArticleLimit
		}
	case errors.Is(err, subscription.ErrNotFound):
		// Default free-tier limit applies.
	default:
		s.logger.Error("subscription lookup failed",
			observability.String("user_id", userID),
			observability.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "subscription lookup failed"})
		return
	}

	usage, err := s.deps.Tracker.Usage(c.Request.Context(), userID, limit)
	if err != nil {
		s.logger.Error("quota read failed",
			observability.String("user_id", userID),
			observability.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "quota read failed"})
		return
	}

	remaining := usage.Limit - usage.Count
	if remaining < 0 {
		remaining = 0
	}

	c.JSON(http.StatusOK, quotaResponse{
		UserID:    userID,
		Count:     usage.Count,
		Limit:     usage.Limit,
		Remaining: remaining,
		ResetAt:   usage.ResetAt,
	})
}

// handleHealthz probes the configured health checks.
func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.opts.HealthChecks))
	healthy := true
	for _, hc := range s.opts.HealthChecks {
		if err := hc.Check(ctx); err != nil {
			checks[hc.Name] = err.Error()
			healthy = false
			continue
		}
		checks[hc.Name] = "ok"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "unhealthy"
	}

	c.JSON(status, gin.H{"status": state, "checks": checks})
}
