package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mealroute/internal/auth"
	"mealroute/internal/journey"
	"mealroute/internal/metrics"
	"mealroute/internal/reconcile"
	"mealroute/internal/store"
	"mealroute/internal/webhooks"
)

type Server struct {
	Lifecycle  *journey.Lifecycle
	Reconciler *reconcile.Reconciler
	Store      store.JourneyStore
	Broker     EventBroker
	Pub        *webhooks.Publisher
	Auth       *auth.Verifier
	Limiter    *Limiter
	// DebugConfig is the redacted configuration shown by /debug/info.
	DebugConfig map[string]any
}

// NewServer wires the lifecycle's notifications to the broker and the
// webhook publisher. A nil broker means an in-process one.
func NewServer(lc *journey.Lifecycle, rc *reconcile.Reconciler, st store.JourneyStore, broker EventBroker, pub *webhooks.Publisher, v *auth.Verifier) *Server {
	if broker == nil {
		broker = NewBroker()
	}
	s := &Server{
		Lifecycle:  lc,
		Reconciler: rc,
		Store:      st,
		Broker:     broker,
		Pub:        pub,
		Auth:       v,
	}
	lc.Notifier = s
	return s
}

// Notify implements journey.Notifier.
func (s *Server) Notify(ctx context.Context, ev journey.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("notify type=%s route=%s marshal err=%v", ev.Type, ev.RouteID, err)
		return
	}
	s.Broker.Publish(ev.RouteID, SSEEvent{Type: ev.Type, Data: data})
	if s.Pub != nil {
		s.Pub.Emit(ctx, ev.Type, ev.RouteID, ev)
	}
}

// Handler returns the routed mux wrapped in the request middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	crew := auth.JourneyRoles
	manager := auth.NewRoleSet(auth.RoleDeliveryManager)

	// Journey lifecycle
	mux.HandleFunc("POST /journey/start", s.guard(crew, s.StartHandler))
	mux.HandleFunc("POST /journey/mark-stop", s.guard(crew, s.MarkStopHandler))
	mux.HandleFunc("POST /journey/end-session", s.guard(crew, s.EndSessionHandler))
	mux.HandleFunc("POST /journey/end", s.guard(crew, s.EndJourneyHandler))
	mux.HandleFunc("GET /journey/status/{route_id}", s.guard(crew, s.LiveStatusHandler))
	mux.HandleFunc("GET /journey/route-order/{route_id}", s.guard(crew, s.RouteOrderHandler))
	mux.HandleFunc("GET /journey/location/{route_id}", s.guard(crew, s.LocationHandler))
	mux.HandleFunc("POST /journey/check-traffic", s.guard(crew, s.CheckTrafficHandler))

	// Routes
	mux.HandleFunc("GET /route/{route_id}/status", s.guard(crew, s.RouteStatusHandler))
	mux.HandleFunc("POST /route/reoptimize", s.guard(crew, s.ReoptimizeHandler))
	mux.HandleFunc("POST /route/predict-start-time", s.guard(crew, s.PredictStartHandler))
	mux.HandleFunc("POST /route/plan", s.guard(manager, s.PlanHandler))

	// Event streams
	mux.HandleFunc("GET /journey/events/{route_id}", s.guard(crew, s.EventsHandler))
	mux.HandleFunc("GET /journey/ws", s.guard(crew, s.WSHandler))

	// Health, metrics, debug
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /debug/info", s.guard(manager, s.DebugJSON))

	return requestIDMiddleware(loggingMiddleware(metricsMiddleware(mux)))
}
