package api

import (
	"net/http"
	"strings"

	"fleetopt/internal/auth"
)

type Principal struct {
	Tenant   string
	Role     string // admin, dispatcher, driver
	DriverID string
}

// getPrincipal extracts tenant and role from a bearer token, or from headers in dev.
// An invalid token yields ok=false; no token falls back to X-Tenant-Id, X-Role and X-Driver-Id.
func (s *Server) getPrincipal(r *http.Request) (Principal, bool) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		pr, err := s.Auth.Verify(tok)
		if err != nil {
			return Principal{}, false
		}
		return Principal{Tenant: pr.Tenant, Role: pr.Role, DriverID: pr.DriverID}, true
	}
	if s.Auth != nil && s.Auth.Mode != "dev" {
		return Principal{}, false
	}
	tenant := r.Header.Get("X-Tenant-Id")
	role := strings.ToLower(r.Header.Get("X-Role"))
	if tenant == "" {
		tenant = "default"
	}
	if role == "" {
		role = auth.RoleAdmin
	}
	return Principal{Tenant: tenant, Role: role, DriverID: r.Header.Get("X-Driver-Id")}, true
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == auth.RoleAdmin }

// CanDispatch reports whether the principal may run optimizations.
func (p Principal) CanDispatch() bool { return p.IsAdmin() || p.Role == auth.RoleDispatcher }

// require writes 401/403 and returns false unless the caller passes allow.
func (s *Server) require(w http.ResponseWriter, r *http.Request, allow func(Principal) bool) (Principal, bool) {
	p, ok := s.getPrincipal(r)
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid bearer token", r.URL.Path)
		return p, false
	}
	if allow != nil && !allow(p) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "role "+p.Role+" may not call this endpoint", r.URL.Path)
		return p, false
	}
	return p, true
}
