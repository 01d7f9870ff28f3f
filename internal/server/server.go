// Package server exposes the authorization and key management HTTP
// API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/briefwire/accessgate/internal/apikey"
	"github.com/briefwire/accessgate/internal/auth"
	"github.com/briefwire/accessgate/internal/observability"
	"github.com/briefwire/accessgate/internal/quota"
	"github.com/briefwire/accessgate/internal/subscription"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race
// conditions.
var ginModeOnce sync.Once

// HealthCheck is a named readiness probe for a backing store.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Dependencies bundles the collaborators the HTTP surface exposes.
type Dependencies struct {
	Facade  *auth.Facade
	Issuer  *apikey.Issuer
	Rotator *apikey.Rotator
	Keys    apikey.Store
	Tracker *quota.Tracker
	Subs    subscription.Source
}

// Options configures the HTTP server.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// RateLimiter, when non-nil, applies a per-client request limit.
	RateLimiter *RateLimiter

	// Registry serves /metrics. Nil hides the endpoint.
	Registry *prometheus.Registry

	// HealthChecks are probed by /healthz.
	HealthChecks []HealthCheck

	// DefaultKeyTTL applies to issued keys without an explicit TTL.
	DefaultKeyTTL time.Duration

	// FreeArticleLimit is used by the quota endpoint for users
	// without a subscription record.
	FreeArticleLimit int64

	Logger observability.Logger
}

// Server is the HTTP server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	deps       Dependencies
	opts       Options
	logger     observability.Logger

	defaultKeyTTL atomic.Int64
	freeLimit     atomic.Int64

	mu      sync.Mutex
	running bool
}

// New creates the HTTP server and registers all routes.
func New(deps Dependencies, opts Options) (*Server, error) {
	if deps.Facade == nil {
		return nil, fmt.Errorf("facade is required")
	}
	if deps.Issuer == nil || deps.Rotator == nil || deps.Keys == nil {
		return nil, fmt.Errorf("key management collaborators are required")
	}
	if deps.Tracker == nil || deps.Subs == nil {
		return nil, fmt.Errorf("quota collaborators are required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine: gin.New(),
		deps:   deps,
		opts:   opts,
		logger: opts.Logger,
	}
	s.defaultKeyTTL.Store(int64(opts.DefaultKeyTTL))
	s.freeLimit.Store(opts.FreeArticleLimit)

	s.engine.Use(
		RecoveryMiddleware(s.logger),
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
	)
	if opts.RateLimiter != nil {
		s.engine.Use(RateLimitMiddleware(opts.RateLimiter))
	}

	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	if s.opts.Registry != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
			s.opts.Registry,
			promhttp.HandlerOpts{},
		)))
	}

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/authorize", s.handleAuthorize)

		v1.POST("/keys", s.handleIssueKey)
		v1.GET("/keys", s.handleListKeys)
		v1.POST("/keys/:id/rotate", s.handleRotateKey)
		v1.DELETE("/keys/:id", s.handleRevokeKey)

		v1.GET("/quota/:userID", s.handleQuota)
	}
}

// Engine returns the underlying gin engine, for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// SetDefaultKeyTTL updates the TTL applied to issued keys without an
// explicit TTL. Used by config hot reload.
func (s *Server) SetDefaultKeyTTL(d time.Duration) {
	s.defaultKeyTTL.Store(int64(d))
}

// SetFreeArticleLimit updates the limit the quota endpoint reports
// for users without a subscription record.
func (s *Server) SetFreeArticleLimit(limit int64) {
	if limit > 0 {
		s.freeLimit.Store(limit)
	}
}

// Start runs the server until ctx is canceled or ListenAndServe
// fails. It blocks, then drains with the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true

	s.httpServer = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
	s.mu.Unlock()

	s.logger.Info("starting http server",
		observability.String("addr", s.opts.Addr),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	return s.Shutdown()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.httpServer
	s.running = false
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	timeout := s.opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("shutting down http server")
	return srv.Shutdown(ctx)
}
