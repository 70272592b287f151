// Package api serves the matching engine over HTTP.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"fleetopt/internal/assign"
	"fleetopt/internal/auth"
	"fleetopt/internal/opt"
	"fleetopt/internal/store"
)

type Server struct {
	Engine  *opt.Engine
	Machine *assign.Machine
	Store   store.Store
	Auth    *auth.Verifier
	Broker  EventBroker
	Logger  *slog.Logger
	// RequestTimeout bounds an optimize call whose body sets no timeoutMs. Zero means none.
	RequestTimeout time.Duration
	// RateRPS limits requests per client; zero disables limiting.
	RateRPS   float64
	RateBurst int
	// Settings is the redacted configuration shown by /debug/info.
	Settings map[string]any

	limits *clientLimits
}

// Handler returns the routed, instrumented and rate limited mux.
func (s *Server) Handler() http.Handler {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Broker == nil {
		s.Broker = NewBroker()
	}
	s.limits = newClientLimits(s.RateRPS, s.RateBurst)

	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) { mux.Handle(pattern, s.instrument(pattern, h)) }

	// Engine
	handle("/v1/jobs/", s.JobsHandler) // /optimize, /assignment, /assignments
	handle("/v1/assignments/", s.AssignmentsHandler)
	handle("/v1/fleet/utilization", s.UtilizationHandler)
	handle("/v1/fleet/allocations", s.AllocationsHandler)
	handle("/v1/decisions", s.DecisionsHandler)

	// Driver offer stream
	handle("/v1/drivers/", s.DriverOffersWSHandler)

	// Webhooks
	handle("/v1/subscriptions", s.SubscriptionsHandler)
	handle("/v1/subscriptions/", s.SubscriptionByIDHandler)
	handle("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)

	// Ops
	handle("/healthz", s.HealthHandler)
	handle("/readyz", s.ReadyHandler)
	handle("/openapi.yaml", s.OpenAPIHandler)
	handle("/openapi.json", s.OpenAPIJSONHandler)
	handle("/docs", s.DocsHandler)
	handle("/debug/info", s.DebugJSON)
	mux.Handle("/metrics", metricsHandler())

	return s.logMiddleware(mux)
}
