// Package api implements the HTTP surface of the journey service.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"mealroute/internal/auth"
	"mealroute/internal/journey"
)

type ctxKeyPrincipal struct{}

// principalFrom returns the caller attached by guard.
func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal{}).(auth.Principal)
	return p, ok
}

// getPrincipal extracts the caller from a Bearer token. In dev mode the
// X-User-Id and X-Roles headers are accepted as a fallback.
func (s *Server) getPrincipal(r *http.Request) (auth.Principal, error) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		if s.Auth == nil {
			return auth.Principal{}, errors.New("bearer tokens are not accepted")
		}
		return s.Auth.Verify(r.Context(), strings.TrimSpace(authz[len("Bearer "):]))
	}
	if s.Auth != nil && s.Auth.Mode != "dev" {
		return auth.Principal{}, errors.New("missing bearer token")
	}
	user := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if user == "" {
		return auth.Principal{}, errors.New("missing credentials")
	}
	roles, unknown := auth.ParseRoles(r.Header.Get("X-Roles"))
	if len(unknown) > 0 {
		return auth.Principal{}, errors.New("unknown roles: " + strings.Join(unknown, ","))
	}
	return auth.Principal{UserID: user, Roles: roles}, nil
}

// guard authenticates the caller, requires one of want and applies the
// per-principal rate limit before calling next.
func (s *Server) guard(want auth.RoleSet, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.getPrincipal(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="journey"`)
			writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", err.Error(), codeUnauthorized, journey.RetryNo)
			return
		}
		if !p.Roles.HasAny(want) {
			writeProblem(w, r, http.StatusForbidden, "Forbidden", "requires one of "+want.String(), codeForbidden, journey.RetryNo)
			return
		}
		if s.Limiter != nil && !s.Limiter.Allow(p.UserID) {
			s.Limiter.reject(w, r)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal{}, p)))
	}
}

// callerID fills an omitted driver id from the authenticated caller.
func callerID(r *http.Request, given string) string {
	if given != "" {
		return given
	}
	if p, ok := principalFrom(r.Context()); ok {
		return p.UserID
	}
	return ""
}
