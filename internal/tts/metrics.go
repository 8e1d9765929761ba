package tts

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives service events for instrumentation.
type MetricsCollector interface {
	// RequestCompleted records a finished request; kind is empty on success
	RequestCompleted(kind Kind, queueWait, latency time.Duration)

	// QueueDepth records the number of requests waiting for a slot
	QueueDepth(depth int)

	// ActiveRequests records the number of requests held by the worker
	ActiveRequests(active int)

	// WorkerStateTransition records a worker state change
	WorkerStateTransition(from, to string)

	// WorkerRestart records a restart attempt
	WorkerRestart()

	// RestartsExhausted records the restart budget running out
	RestartsExhausted()

	// WorkerDegraded records degraded health reported by the worker
	WorkerDegraded(degraded bool)

	// UnmatchedResponse records a response that matched no pending request
	UnmatchedResponse()
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (noopMetricsCollector) RequestCompleted(Kind, time.Duration, time.Duration) {}
func (noopMetricsCollector) QueueDepth(int)                                      {}
func (noopMetricsCollector) ActiveRequests(int)                                  {}
func (noopMetricsCollector) WorkerStateTransition(string, string)                {}
func (noopMetricsCollector) WorkerRestart()                                      {}
func (noopMetricsCollector) RestartsExhausted()                                  {}
func (noopMetricsCollector) WorkerDegraded(bool)                                 {}
func (noopMetricsCollector) UnmatchedResponse()                                  {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}

// PrometheusMetricsCollector implements MetricsCollector using Prometheus metrics
type PrometheusMetricsCollector struct {
	requests         *prometheus.CounterVec
	queueWait        prometheus.Histogram
	latency          prometheus.Histogram
	queueDepth       prometheus.Gauge
	active           prometheus.Gauge
	stateTransitions *prometheus.CounterVec
	restarts         prometheus.Counter
	exhausted        prometheus.Counter
	degraded         prometheus.Gauge
	unmatched        prometheus.Counter

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector with its own registry.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "kokorod"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of finished synthesis requests by outcome",
		},
		[]string{"outcome"},
	)

	pmc.queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time requests spent waiting for a worker slot",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
	)

	pmc.latency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from admission to response",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	pmc.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting for a worker slot",
		},
	)

	pmc.active = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Requests currently held by the worker",
		},
	)

	pmc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_state_transitions_total",
			Help:      "Total number of worker state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	pmc.restarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Total number of worker restart attempts",
		},
	)

	pmc.exhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_exhausted_total",
			Help:      "Number of times the restart budget ran out",
		},
	)

	pmc.degraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_degraded",
			Help:      "1 while the worker reports degraded health",
		},
	)

	pmc.unmatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_responses_total",
			Help:      "Worker responses that matched no pending request",
		},
	)

	pmc.registry.MustRegister(
		pmc.requests,
		pmc.queueWait,
		pmc.latency,
		pmc.queueDepth,
		pmc.active,
		pmc.stateTransitions,
		pmc.restarts,
		pmc.exhausted,
		pmc.degraded,
		pmc.unmatched,
	)

	return pmc
}

// Registry returns the registry holding the collector's metrics.
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// RequestCompleted implements MetricsCollector
func (p *PrometheusMetricsCollector) RequestCompleted(kind Kind, queueWait, latency time.Duration) {
	outcome := "success"
	if kind != "" {
		outcome = string(kind)
	}
	p.requests.WithLabelValues(outcome).Inc()
	p.queueWait.Observe(queueWait.Seconds())
	if latency > 0 {
		p.latency.Observe(latency.Seconds())
	}
}

// QueueDepth implements MetricsCollector
func (p *PrometheusMetricsCollector) QueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

// ActiveRequests implements MetricsCollector
func (p *PrometheusMetricsCollector) ActiveRequests(active int) {
	p.active.Set(float64(active))
}

// WorkerStateTransition implements MetricsCollector
func (p *PrometheusMetricsCollector) WorkerStateTransition(from, to string) {
	p.stateTransitions.WithLabelValues(from, to).Inc()
}

// WorkerRestart implements MetricsCollector
func (p *PrometheusMetricsCollector) WorkerRestart() {
	p.restarts.Inc()
}

// RestartsExhausted implements MetricsCollector
func (p *PrometheusMetricsCollector) RestartsExhausted() {
	p.exhausted.Inc()
}

// WorkerDegraded implements MetricsCollector
func (p *PrometheusMetricsCollector) WorkerDegraded(degraded bool) {
	if degraded {
		p.degraded.Set(1)
	} else {
		p.degraded.Set(0)
	}
}

// UnmatchedResponse implements MetricsCollector
func (p *PrometheusMetricsCollector) UnmatchedResponse() {
	p.unmatched.Inc()
}
