// Package metrics exposes Prometheus instrumentation for resolution, merges and retries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "portfoliodb"

// MustRegisterCounterVec creates and registers a counter vector.
// Must be called from `init` or package variable initialisation.
func MustRegisterCounterVec(component, name, help string, labelNames ...string) *prometheus.CounterVec {
	m := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	}, labelNames)
	prometheus.MustRegister(m)
	return m
}

// MustRegisterCounter creates and registers a counter.
func MustRegisterCounter(component, name, help string) prometheus.Counter {
	m := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	})
	prometheus.MustRegister(m)
	return m
}

// MustRegisterGauge creates and registers a gauge.
func MustRegisterGauge(component, name, help string) prometheus.Gauge {
	m := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	})
	prometheus.MustRegister(m)
	return m
}

// MustRegisterHistogramVec creates and registers a histogram vector.
func MustRegisterHistogramVec(component, name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	m := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labelNames)
	prometheus.MustRegister(m)
	return m
}

var (
	// ResolutionsTotal counts finished resolution attempts by terminal state.
	ResolutionsTotal = MustRegisterCounterVec("engine", "resolutions_total",
		"Resolution attempts by terminal state.", "state")

	// ResolutionDuration observes the wall time of one resolution attempt.
	ResolutionDuration = MustRegisterHistogramVec("engine", "resolution_duration_seconds",
		"Duration of resolution attempts.", prometheus.DefBuckets, "forced")

	// ResolverCallsTotal counts resolver invocations by outcome.
	ResolverCallsTotal = MustRegisterCounterVec("resolver", "calls_total",
		"Resolver invocations by outcome.", "resolver", "outcome")

	// ConflictsTotal counts resolver disagreements.
	ConflictsTotal = MustRegisterCounter("engine", "conflicts_total",
		"Descriptors on which resolvers returned different identifiers.")

	// MergesTotal counts merge attempts by result.
	MergesTotal = MustRegisterCounterVec("merge", "merges_total",
		"Instrument merges by result.", "result")

	// RetryPending tracks the retry records seen by the last sweep.
	RetryPending = MustRegisterGauge("scheduler", "retry_pending",
		"Retry records pending at the last sweep.")

	// PrecedenceVersion tracks the currently published precedence snapshot.
	PrecedenceVersion = MustRegisterGauge("resolver", "precedence_version",
		"Version of the published precedence snapshot.")
)
