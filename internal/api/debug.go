package api

import (
	"net/http"
	"time"

	"mealroute/internal/buildinfo"
)

// DebugJSON handles GET /debug/info.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	_, redis := s.Broker.(*RedisBroker)
	info := map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"config": s.DebugConfig,
		"runtime": map[string]any{
			"redis_broker": redis,
			"webhooks":     s.Pub != nil && len(s.Pub.Subs) > 0,
			"rate_limited": s.Limiter != nil,
		},
	}
	writeJSON(w, http.StatusOK, info)
}
