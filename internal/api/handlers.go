package api

import (
	"context"
	"net/http"
	"strings"

	"mealroute/internal/journey"
	"mealroute/internal/model"
	"mealroute/internal/reconcile"
)

// StartHandler handles POST /journey/start
func (s *Server) StartHandler(w http.ResponseWriter, r *http.Request) {
	var req model.StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.DriverID = callerID(r, req.DriverID)
	res, err := s.Lifecycle.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyStarted {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// MarkStopHandler handles POST /journey/mark-stop
func (s *Server) MarkStopHandler(w http.ResponseWriter, r *http.Request) {
	var req model.MarkStopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.DriverID = callerID(r, req.DriverID)
	res, err := s.Lifecycle.MarkStop(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// EndSessionHandler handles POST /journey/end-session
func (s *Server) EndSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req model.EndSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.DriverID = callerID(r, req.DriverID)
	res, err := s.Lifecycle.EndSession(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// EndJourneyHandler handles POST /journey/end
func (s *Server) EndJourneyHandler(w http.ResponseWriter, r *http.Request) {
	var req model.EndJourneyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.UserID = callerID(r, req.UserID)
	res, err := s.Lifecycle.EndJourney(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LiveStatusHandler handles GET /journey/status/{route_id}
func (s *Server) LiveStatusHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.Lifecycle.LiveStatus(r.Context(), pathRouteID(r), r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RouteOrderHandler handles GET /journey/route-order/{route_id}
func (s *Server) RouteOrderHandler(w http.ResponseWriter, r *http.Request) {
	id := pathRouteID(r)
	order, err := s.Lifecycle.RouteOrder(r.Context(), id, r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"route_id": id, "stops": order})
}

// RouteStatusHandler handles GET /route/{route_id}/status, the reconciled
// journey status.
func (s *Server) RouteStatusHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	st, err := s.Reconciler.GetStatus(r.Context(), reconcile.Query{
		RouteID:  pathRouteID(r),
		DriverID: strings.TrimSpace(q.Get("driver_id")),
		Date:     strings.TrimSpace(q.Get("date")),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CheckTrafficHandler handles POST /journey/check-traffic
func (s *Server) CheckTrafficHandler(w http.ResponseWriter, r *http.Request) {
	var req model.CheckTrafficRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Lifecycle.CheckTraffic(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReoptimizeHandler handles POST /route/reoptimize
func (s *Server) ReoptimizeHandler(w http.ResponseWriter, r *http.Request) {
	var req model.ReoptimizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Lifecycle.Reoptimize(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PlanHandler handles POST /route/plan
func (s *Server) PlanHandler(w http.ResponseWriter, r *http.Request) {
	var req model.PlanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Lifecycle.Plan(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PredictStartHandler handles POST /route/predict-start-time
func (s *Server) PredictStartHandler(w http.ResponseWriter, r *http.Request) {
	var req model.PredictStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.Lifecycle.PredictStart(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler handles GET /readyz by pinging the store.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeProblem(w, r, http.StatusServiceUnavailable, "Not ready", err.Error(), codeNotReady, journey.RetrySafe)
		return
	}
	if p, ok := s.Broker.(interface{ Ping(ctx context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeProblem(w, r, http.StatusServiceUnavailable, "Not ready", "event broker: "+err.Error(), codeNotReady, journey.RetrySafe)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
