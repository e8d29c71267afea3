package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/cvforge/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Operational endpoints outside /v1
	mux.HandleFunc("/health", s.app.SystemHandler.HealthHandler)
	mux.HandleFunc("/version", s.app.SystemHandler.VersionHandler)
	mux.Handle("/metrics", s.app.MetricsHandler)

	// Processing domains share one route shape
	s.mountDomain(mux, s.app.ParsingHandler)
	s.mountDomain(mux, s.app.EnhancementHandler)
	s.mountDomain(mux, s.app.EvaluationHandler)
	s.mountDomain(mux, s.app.GenerationHandler)

	// Webhooks: test delivery, subscription management, delivery jobs
	mux.HandleFunc("/v1/webhooks", s.app.WebhookHandler.TestDeliveryHandler)
	mux.HandleFunc("/v1/webhooks/", s.handleWebhookRoutes)

	// 404 envelope for everything unmatched
	mux.HandleFunc("/", s.app.SystemHandler.NotFoundHandler)

	return mux
}

// mountDomain wires one domain handler under /v1/{domain}
func (s *Server) mountDomain(mux *http.ServeMux, handler *handlers.DomainHandler) {
	base := "/v1/" + string(handler.Domain())
	mux.HandleFunc(base, handler.SubmitHandler)               // POST - submit work
	mux.HandleFunc(base+"/history", handler.HistoryHandler)   // GET - paged job listing
	mux.HandleFunc(base+"/stats", handler.StatsHandler)       // GET - registry counters
	mux.HandleFunc(base+"/", s.handleJobRoutes(handler))      // {jobId} and subresources
}

// handleJobRoutes dispatches /v1/{domain}/{jobId} and its subresources
func (s *Server) handleJobRoutes(handler *handlers.DomainHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/result"):
			handler.ResultHandler(w, r)
		case strings.HasSuffix(path, "/cancel"):
			handler.CancelHandler(w, r)
		case strings.HasSuffix(path, "/retry"):
			handler.RetryHandler(w, r)
		default:
			handler.StatusHandler(w, r)
		}
	}
}

// handleWebhookRoutes splits /v1/webhooks/ between subscription
// management and delivery-job lookups. The reserved segments are
// checked first; anything else reads as a delivery job id.
func (s *Server) handleWebhookRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/v1/webhooks/subscriptions" || path == "/v1/webhooks/subscriptions/":
		RouteResourceCollection(w, r,
			s.app.WebhookHandler.ListSubscriptionsHandler,
			s.app.WebhookHandler.CreateSubscriptionHandler)
	case strings.HasPrefix(path, "/v1/webhooks/subscriptions/"):
		RouteResourceItem(w, r,
			s.app.WebhookHandler.GetSubscriptionHandler,
			s.app.WebhookHandler.UpdateSubscriptionHandler,
			s.app.WebhookHandler.DeleteSubscriptionHandler)
	case path == "/v1/webhooks/history":
		s.app.DeliveryJobHandler.HistoryHandler(w, r)
	case path == "/v1/webhooks/stats":
		s.app.DeliveryJobHandler.StatsHandler(w, r)
	default:
		s.handleJobRoutes(s.app.DeliveryJobHandler)(w, r)
	}
}
