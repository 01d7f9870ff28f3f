package apikey

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for API key operations.
type Metrics struct {
	validationTotal    *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	issuedTotal        prometheus.Counter
	rotationsTotal     prometheus.Counter
	revocationsTotal   prometheus.Counter
	registry           *prometheus.Registry
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

	m.validationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "validation_total",
			Help:      "Total number of API key validation attempts",
		},
		[]string{"status", "reason"},
	)

	m.validationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "validation_duration_seconds",
			Help:      "API key validation duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"status", "reason"},
	)

	m.issuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "issued_total",
			Help:      "Total number of API keys issued",
		},
	)

	m.rotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "rotations_total",
			Help:      "Total number of API key rotations",
		},
	)

	m.revocationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "revocations_total",
			Help:      "Total number of API key revocations",
		},
	)

	m.registry.MustRegister(
		m.validationTotal,
		m.validationDuration,
		m.issuedTotal,
		m.rotationsTotal,
		m.revocationsTotal,
	)

	return m
}

// Init pre-initializes common label combinations with zero values so
// that metrics appear in /metrics output immediately after startup.
// Idempotent and safe to call multiple times.
func (m *Metrics) Init() {
	reasons := []string{
		"valid", "malformed", "not_found",
		"store_error", "invalid", "revoked", "expired",
	}
	for _, status := range []string{"success", "error"} {
		for _, reason := range reasons {
			m.validationTotal.WithLabelValues(status, reason)
			m.validationDuration.WithLabelValues(status, reason)
		}
	}
}

// RecordValidation records an API key validation attempt.
func (m *Metrics) RecordValidation(status, reason string, duration time.Duration) {
	m.validationTotal.WithLabelValues(status, reason).Inc()
	m.validationDuration.WithLabelValues(status, reason).Observe(duration.Seconds())
}

// RecordIssued records a key issuance.
func (m *Metrics) RecordIssued() {
	m.issuedTotal.Inc()
}

// RecordRotation records a key rotation.
func (m *Metrics) RecordRotation() {
	m.rotationsTotal.Inc()
}

// RecordRevocation records a key revocation.
func (m *Metrics) RecordRevocation() {
	m.revocationsTotal.Inc()
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
		m.validationTotal,
		m.validationDuration,
		m.issuedTotal,
		m.rotationsTotal,
		m.revocationsTotal,
	} {
		if err := registry.Register(c); err != nil {
			if !isAlreadyRegistered(err) {
				panic(err)
			}
		}
	}
}

// isAlreadyRegistered returns true if the error indicates the
// collector was already registered with the registry.
func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
