package quota

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for quota checks.
type Metrics struct {
	checksTotal *prometheus.CounterVec
	registry    *prometheus.Registry
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

	m.checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "checks_total",
			Help:      "Total number of quota check-and-consume calls",
		},
		[]string{"outcome"},
	)

	m.registry.MustRegister(m.checksTotal)
	m.registry.MustRegister(redisCounterOperationsTotal, redisCounterOperationDuration)

	return m
}

// Init pre-initializes label combinations with zero values so the
// series appear in /metrics output immediately after startup.
func (m *Metrics) Init() {
	for _, outcome := range []string{"granted", "exceeded", "error"} {
		m.checksTotal.WithLabelValues(outcome)
	}
}

// RecordCheck records a quota check outcome.
func (m *Metrics) RecordCheck(outcome string) {
	m.checksTotal.WithLabelValues(outcome).Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry,
// ignoring duplicate registration.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	collectors := []prometheus.Collector{
		m.checksTotal,
		redisCounterOperationsTotal,
		redisCounterOperationDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
