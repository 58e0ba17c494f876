package api

import (
	"net/http"
	"strings"
)

// LocationHandler handles GET /journey/location/{route_id}: the newest
// position each driver reported on the route, read from stop reports and
// journey ends. An optional date query selects the delivery day.
func (s *Server) LocationHandler(w http.ResponseWriter, r *http.Request) {
	id := pathRouteID(r)
	drivers, err := s.Lifecycle.DriverLocations(r.Context(), id, strings.TrimSpace(r.URL.Query().Get("date")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"route_id": id, "drivers": drivers})
}
