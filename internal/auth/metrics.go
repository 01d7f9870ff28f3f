package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for authorization decisions.
type Metrics struct {
	authorizeTotal    *prometheus.CounterVec
	authorizeDuration *prometheus.HistogramVec
	registry          *prometheus.Registry
}

var (
	sharedMetrics     *Metrics
	sharedMetricsOnce sync.Once
)

// GetSharedMetrics returns the singleton Metrics instance.
func GetSharedMetrics() *Metrics {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = NewMetrics("accessgate")
	})
	return sharedMetrics
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "accessgate"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.authorizeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "authorize_total",
			Help:      "Total number of authorization decisions",
		},
		[]string{"verdict", "reason"},
	)

	m.authorizeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "authorize_duration_seconds",
			Help:      "Authorization decision duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"verdict"},
	)

	m.registry.MustRegister(
		m.authorizeTotal,
		m.authorizeDuration,
	)

	return m
}

// Init pre-initializes common label combinations with zero values so
// that metrics appear in /metrics output immediately after startup.
// Idempotent and safe to call multiple times.
func (m *Metrics) Init() {
	reasons := []Reason{
		ReasonKeyMalformed, ReasonKeyNotFound, ReasonKeyExpired,
		ReasonKeyRevoked, ReasonQuotaExceeded, ReasonSubscriptionInactive,
		ReasonTierInsufficient, ReasonStoreUnavailable, ReasonNoCredentials,
	}
	m.authorizeTotal.WithLabelValues("allow", "")
	for _, reason := range reasons {
		m.authorizeTotal.WithLabelValues("deny", string(reason))
	}
	for _, verdict := range []string{"allow", "deny"} {
		m.authorizeDuration.WithLabelValues(verdict)
	}
}

// RecordAuthorize records an authorization decision.
func (m *Metrics) RecordAuthorize(allowed bool, reason string, duration time.Duration) {
	verdict := "deny"
	if allowed {
		verdict = "allow"
	}
	m.authorizeTotal.WithLabelValues(verdict, reason).Inc()
	m.authorizeDuration.WithLabelValues(verdict).Observe(duration.Seconds())
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry. It uses
// Register (not MustRegister) to gracefully handle duplicate
// registration; AlreadyRegisteredError is silently ignored.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{
		m.authorizeTotal,
		m.authorizeDuration,
	} {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
