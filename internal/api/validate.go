package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mealroute/internal/journey"
)

const maxBodyBytes = 1 << 20

// decodeBody reads a JSON request body into v. An empty body leaves v at its
// zero value so handlers report the missing field instead.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeProblem(w, r, http.StatusRequestEntityTooLarge, "Body too large", fmt.Sprintf("limit is %d bytes", tooBig.Limit), codeInvalidJSON, journey.RetryNo)
			return false
		}
		writeProblem(w, r, http.StatusBadRequest, "Invalid JSON", err.Error(), codeInvalidJSON, journey.RetryNo)
		return false
	}
	return true
}

// pathRouteID reads the {route_id} wildcard.
func pathRouteID(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("route_id"))
}
