package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/briefwire/accessgate/internal/apikey"
	"github.com/briefwire/accessgate/internal/auth"
	"github.com/briefwire/accessgate/internal/config"
	"github.com/briefwire/accessgate/internal/entitlement"
	"github.com/briefwire/accessgate/internal/observability"
	"github.com/briefwire/accessgate/internal/quota"
	"github.com/briefwire/accessgate/internal/server"
	"github.com/briefwire/accessgate/internal/subscription"
)

// application holds the wired service components.
type application struct {
	server  *server.Server
	facade  *auth.Facade
	rotator *apikey.Rotator

	keyStore     apikey.Store
	counterStore quota.CounterStore
	pool         *pgxpool.Pool

	logger observability.Logger
}

// buildApplication wires stores, domain components, and the HTTP
// server from the configuration. Postgres and Redis are optional;
// without them the service runs on in-memory stores, which is the
// development and test mode.
func buildApplication(cfg *config.Config, logger observability.Logger) *application {
	app := &application{logger: logger}

	var (
		keyStore apikey.Store
		subs     subscription.Source
		health   []server.HealthCheck
	)

	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Postgres.URL)
		if err != nil {
			logger.Fatal("failed to create postgres pool", observability.Error(err))
		}
		app.pool = pool
		keyStore = apikey.NewPostgresStore(pool)
		subs = subscription.NewPostgresSource(pool)
		health = append(health, server.HealthCheck{
			Name:  "postgres",
			Check: pool.Ping,
		})
		logger.Info("using postgres stores")
	} else {
		keyStore = apikey.NewMemoryStore()
		subs = subscription.NewMemorySource()
		logger.Warn("no postgres configured, using in-memory stores")
	}
	app.keyStore = keyStore

	if rc := cfg.RedisCounterConfig(); rc != nil {
		store, err := quota.NewRedisCounterStore(rc)
		if err != nil {
			logger.Fatal("failed to connect to redis", observability.Error(err))
		}
		app.counterStore = store
		health = append(health, server.HealthCheck{
			Name:  "redis",
			Check: store.Ping,
		})
		logger.Info("using redis quota counters")
	} else {
		app.counterStore = quota.NewMemoryCounterStore()
		logger.Warn("no redis configured, using in-memory quota counters")
	}

	issuerOpts := []apikey.IssuerOption{apikey.WithIssuerLogger(logger)}
	if cfg.APIKey.BcryptCost > 0 {
		issuerOpts = append(issuerOpts, apikey.WithBcryptCost(cfg.APIKey.BcryptCost))
	}
	issuer, err := apikey.NewIssuer(keyStore, issuerOpts...)
	if err != nil {
		logger.Fatal("failed to create issuer", observability.Error(err))
	}

	validator, err := apikey.NewValidator(keyStore, apikey.WithValidatorLogger(logger))
	if err != nil {
		logger.Fatal("failed to create validator", observability.Error(err))
	}

	ttlPolicy := apikey.TTLPolicy(cfg.APIKey.RotationTTLPolicy)
	if ttlPolicy == "" {
		ttlPolicy = apikey.TTLPolicyReset
	}
	rotator, err := apikey.NewRotator(keyStore, issuer,
		apikey.WithRotatorLogger(logger),
		apikey.WithTTLPolicy(ttlPolicy, cfg.APIKey.DefaultTTL.Duration()),
	)
	if err != nil {
		logger.Fatal("failed to create rotator", observability.Error(err))
	}
	app.rotator = rotator

	tracker, err := quota.NewTracker(app.counterStore, quota.WithTrackerLogger(logger))
	if err != nil {
		logger.Fatal("failed to create quota tracker", observability.Error(err))
	}

	resolver, err := entitlement.NewResolver(tracker, entitlement.WithResolverLogger(logger))
	if err != nil {
		logger.Fatal("failed to create entitlement resolver", observability.Error(err))
	}

	facadeOpts := []auth.FacadeOption{
		auth.WithFacadeLogger(logger),
		auth.WithFacadeConfig(cfg.FacadeConfig()),
	}
	if cfg.Session.Secret != "" {
		sessionOpts := []auth.SessionVerifierOption{auth.WithSessionLogger(logger)}
		if skew := cfg.Session.ClockSkew.Duration(); skew > 0 {
			sessionOpts = append(sessionOpts, auth.WithSessionClockSkew(skew))
		}
		verifier, err := auth.NewSessionVerifier([]byte(cfg.Session.Secret), sessionOpts...)
		if err != nil {
			logger.Fatal("failed to create session verifier", observability.Error(err))
		}
		facadeOpts = append(facadeOpts, auth.WithSessionVerifier(verifier))
	}

	facade, err := auth.NewFacade(validator, subs, resolver, facadeOpts...)
	if err != nil {
		logger.Fatal("failed to create authorization facade", observability.Error(err))
	}
	app.facade = facade

	registry := buildMetricsRegistry()

	var limiter *server.RateLimiter
	if cfg.Server.RateLimit.Enabled {
		limiter = server.NewRateLimiter(
			cfg.Server.RateLimit.RequestsPerSecond,
			cfg.Server.RateLimit.Burst,
		)
	}

	srv, err := server.New(server.Dependencies{
		Facade:  facade,
		Issuer:  issuer,
		Rotator: rotator,
		Keys:    keyStore,
		Tracker: tracker,
		Subs:    subs,
	}, server.Options{
		Addr:             cfg.Server.Addr,
		ReadTimeout:      cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:     cfg.Server.WriteTimeout.Duration(),
		ShutdownTimeout:  cfg.Server.ShutdownTimeout.Duration(),
		RateLimiter:      limiter,
		Registry:         registry,
		HealthChecks:     health,
		DefaultKeyTTL:    cfg.APIKey.DefaultTTL.Duration(),
		FreeArticleLimit: cfg.Quota.FreeArticleLimit,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal("failed to create http server", observability.Error(err))
	}
	app.server = srv

	return app
}

// buildMetricsRegistry gathers all per-package metrics plus runtime
// collectors into one registry for /metrics.
func buildMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	apikey.GetSharedMetrics().MustRegister(registry)
	quota.GetSharedMetrics().MustRegister(registry)
	auth.GetSharedMetrics().MustRegister(registry)

	apikey.GetSharedMetrics().Init()
	quota.GetSharedMetrics().Init()
	auth.GetSharedMetrics().Init()

	return registry
}

// applyConfig pushes the hot-reloadable settings into the running
// components.
func (app *application) applyConfig(cfg *config.Config) {
	app.facade.SetFreeArticleLimit(cfg.Quota.FreeArticleLimit)
	app.server.SetFreeArticleLimit(cfg.Quota.FreeArticleLimit)
	app.server.SetDefaultKeyTTL(cfg.APIKey.DefaultTTL.Duration())
	app.rotator.SetDefaultTTL(cfg.APIKey.DefaultTTL.Duration())

	app.logger.Info("applied configuration",
		observability.Int64("free_article_limit", cfg.Quota.FreeArticleLimit),
		observability.Duration("default_key_ttl", cfg.APIKey.DefaultTTL.Duration()),
	)
}

// close releases store resources.
func (app *application) close() {
	if app.counterStore != nil {
		if err := app.counterStore.Close(); err != nil {
			app.logger.Error("failed to close counter store", observability.Error(err))
		}
	}
	if app.keyStore != nil {
		if err := app.keyStore.Close(); err != nil {
			app.logger.Error("failed to close key store", observability.Error(err))
		}
	}
	if app.pool != nil {
		app.pool.Close()
	}
}
