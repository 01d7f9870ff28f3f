package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/briefwire/accessgate/internal/observability"
)

// HeaderRequestID is the request ID header name.
const HeaderRequestID = "X-Request-ID"

// RequestIDMiddleware assigns each request an ID, honoring one the
// client already sent, and threads it through the request context so
// log lines can be correlated.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := observability.ContextWithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(HeaderRequestID, requestID)

		c.Next()
	}
}

// LoggingMiddleware logs one line per request.
func LoggingMiddleware(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			observability.String("method", c.Request.Method),
			observability.String("path", path),
			observability.Int("status", c.Writer.Status()),
			observability.Duration("duration", time.Since(start)),
			observability.String("client_ip", c.ClientIP()),
			observability.String("request_id", observability.RequestIDFromContext(c.Request.Context())),
		)
	}
}

// RecoveryMiddleware converts panics into 500 responses. Verdict
// paths never panic; this guards the transport layer itself.
func RecoveryMiddleware(logger observability.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("panic recovered",
			observability.Any("panic", recovered),
			observability.String("path", c.Request.URL.Path),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal server error",
		})
	})
}

// clientLimiter tracks a per-client token bucket and its last use so
// idle entries can be evicted.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-client request rate limit. This protects
// the service itself and is unrelated to the article quota.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientLimiter
	rps      rate.Limit
	burst    int
	maxIdle  time.Duration
	lastSwep time.Time
}

// NewRateLimiter creates a per-client rate limiter.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(rps),
		burst:   burst,
		maxIdle: 10 * time.Minute,
	}
}

// Allow reports whether the client identified by key may proceed.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSwep) > l.maxIdle {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > l.maxIdle {
				delete(l.clients, k)
			}
		}
		l.lastSwep = now
	}

	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now

	return c.limiter.Allow()
}

// RateLimitMiddleware rejects clients exceeding the request rate with
// 429. Clients are keyed by IP.
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
				key = host
			}
		}

		if !limiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
