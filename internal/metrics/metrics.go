package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetopt_http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "route", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "fleetopt_http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "route"},
	)

	// Optimizations counts engine operations by outcome (ok, no_eligible, conflict, not_found, no_decision, partial, error)
	Optimizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetopt_optimizations_total", Help: "Engine operations by outcome."},
		[]string{"op", "outcome"},
	)
	OptimizationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "fleetopt_optimization_duration_seconds", Help: "Engine operation latency in seconds.", Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}},
		[]string{"op"},
	)
	// CandidatesScored observes the eligible set size per assignment request
	CandidatesScored = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "fleetopt_candidates_scored", Help: "Candidates scored per assignment request.", Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100}},
	)
	// DegradedScores counts candidates scored without distance and cost
	DegradedScores = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "fleetopt_degraded_scores_total", Help: "Candidates scored in degraded mode."},
	)
	AssignmentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetopt_assignment_transitions_total", Help: "Assignment lifecycle transitions."},
		[]string{"from", "to"},
	)
	EstimatorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetopt_estimator_calls_total", Help: "Distance estimator calls by provider and result."},
		[]string{"provider", "result"},
	)
	FleetUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "fleetopt_fleet_utilization", Help: "Most recently computed fleet utilization ratio."},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "fleetopt_webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "fleetopt_webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the service registry once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(
			HTTPRequests, HTTPDuration,
			Optimizations, OptimizationDuration, CandidatesScored, DegradedScores,
			AssignmentTransitions, EstimatorCalls, FleetUtilization,
			WebhookDeliveries, WebhookLatency,
		)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	RegisterDefault()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
