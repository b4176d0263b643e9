package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording JSON-RPC
// module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "safehold",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total JSON-RPC module requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "safehold",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total JSON-RPC module errors segmented by module, method and code.",
			}, []string{"module", "method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "safehold",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC module handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "safehold",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. Code carries the JSON-RPC
// error code string, empty on success.
func (m *moduleMetrics) Observe(module, method, code string, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if code != "" {
		outcome = "error"
		m.errors.WithLabelValues(module, method, code).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards stay consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// EscrowMetrics tracks escrow lifecycle transitions and policy fallbacks.
type EscrowMetrics struct {
	transitions *prometheus.CounterVec
	fallbacks   *prometheus.CounterVec
}

// Escrow returns the singleton escrow lifecycle metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "safehold",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Count of escrow state transitions segmented by resulting state.",
			}, []string{"state"}),
			fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "safehold",
				Subsystem: "escrow",
				Name:      "policy_fallbacks_total",
				Help:      "Count of policy-module calls that fell back to constants.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(escrowRegistry.transitions, escrowRegistry.fallbacks)
	})
	return escrowRegistry
}

// RecordTransition increments the transition counter for the resulting state.
func (m *EscrowMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	if state = strings.TrimSpace(state); state == "" {
		state = "unknown"
	}
	m.transitions.WithLabelValues(state).Inc()
}

// RecordFallback increments the fallback counter for the operation.
func (m *EscrowMetrics) RecordFallback(operation string) {
	if m == nil {
		return
	}
	if operation = strings.TrimSpace(operation); operation == "" {
		operation = "unknown"
	}
	m.fallbacks.WithLabelValues(operation).Inc()
}
