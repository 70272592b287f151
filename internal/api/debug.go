package api

import (
	"net/http"
	"time"

	"fleetopt/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.require(w, r, Principal.IsAdmin); !ok {
		return
	}
	t := s.Engine.Tunables()
	writeJSON(w, http.StatusOK, map[string]any{
		"build":    buildinfo.Info(),
		"time":     time.Now().UTC().Format(time.RFC3339),
		"config":   s.Settings,
		"tunables": t,
	})
}
