package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"mealroute/internal/journey"
	"mealroute/internal/obs"
	"mealroute/internal/reconcile"
)

// Problem represents an RFC7807 problem details response body, extended with
// a machine-readable code and a retry hint.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Code      string `json:"code,omitempty"`
	Retry     string `json:"retry,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Codes the HTTP layer produces itself.
const (
	codeInvalidJSON   = "INVALID_JSON"
	codeInvalidQuery  = "INVALID_QUERY"
	codeUnauthorized  = "UNAUTHORIZED"
	codeForbidden     = "FORBIDDEN"
	codeRateLimited   = "RATE_LIMITED"
	codeInternal      = "INTERNAL"
	codeNotReady      = "NOT_READY"
	codeStreamUnavail = "STREAMING_UNSUPPORTED"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail, code string, retry journey.Retry) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:      "about:blank",
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		Code:      code,
		Retry:     string(retry),
		RequestID: obs.RequestID(r.Context()),
	})
}

// writeError maps the journey error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if je, ok := journey.AsError(err); ok {
		status, title := problemStatus(je)
		writeProblem(w, r, status, title, je.Message, je.Code, je.Retry)
		return
	}
	switch {
	case errors.Is(err, reconcile.ErrInvalidQuery):
		writeProblem(w, r, http.StatusBadRequest, "Invalid query", err.Error(), codeInvalidQuery, journey.RetryNo)
	case errors.Is(err, reconcile.ErrStoreUnavailable):
		writeProblem(w, r, http.StatusServiceUnavailable, "Store unavailable", err.Error(), journey.CodeStoreError, journey.RetrySafe)
	default:
		log.Printf("req_id=%s path=%s unclassified error: %v", obs.RequestID(r.Context()), r.URL.Path, err)
		writeProblem(w, r, http.StatusInternalServerError, "Internal error", "", codeInternal, journey.RetryCheckStatus)
	}
}

func problemStatus(e *journey.Error) (int, string) {
	switch e.Kind {
	case journey.KindValidation:
		return http.StatusBadRequest, "Invalid request"
	case journey.KindNotFound:
		return http.StatusNotFound, "Not found"
	case journey.KindState:
		return http.StatusConflict, "Conflict"
	case journey.KindUpstream:
		if e.Code == journey.CodeUpstreamTimeout {
			return http.StatusGatewayTimeout, "Route engine timeout"
		}
		return http.StatusBadGateway, "Route engine error"
	case journey.KindStore:
		return http.StatusServiceUnavailable, "Store error"
	}
	return http.StatusInternalServerError, "Internal error"
}
