package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleetopt/internal/auth"
	"fleetopt/internal/model"
)

// pathParts returns the non-empty segments after prefix.
func pathParts(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func queryInt(r *http.Request, key string, def, maxVal int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return min(v, maxVal)
}

// JobsHandler serves /v1/jobs/{id}/optimize, /assignment and /assignments.
func (s *Server) JobsHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/jobs/")
	if len(parts) != 2 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	jobID, action := parts[0], parts[1]
	switch action {
	case "optimize":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.optimizeJob(w, r, jobID)
	case "assignment":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, ok := s.require(w, r, nil); !ok {
			return
		}
		a, ok, err := s.Machine.Active(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !ok {
			writeProblem(w, http.StatusNotFound, "Not Found", "job "+jobID+" has no active assignment", r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, a)
	case "assignments":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, ok := s.require(w, r, Principal.CanDispatch); !ok {
			return
		}
		if _, err := s.Store.GetJob(r.Context(), jobID); err != nil {
			writeError(w, r, err)
			return
		}
		items, err := s.Store.ListForJob(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		events, err := s.Store.ListEvents(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "events": events})
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) optimizeJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, ok := s.require(w, r, Principal.CanDispatch); !ok {
		return
	}
	var req optimizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := validateOptimizeRequest(req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if d := req.timeout(s.RequestTimeout); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	res, err := s.Engine.OptimizeAssignment(ctx, req.toEngine(jobID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Assignment == nil {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// AssignmentsHandler serves GET /v1/assignments/{id} and POST .../accept|decline.
func (s *Server) AssignmentsHandler(w http.ResponseWriter, r *http.Request) {
	parts := pathParts(r.URL.Path, "/v1/assignments/")
	if len(parts) == 0 || len(parts) > 2 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p, ok := s.require(w, r, nil)
	if !ok {
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		a, err := s.Store.GetAssignment(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if p.Role == auth.RoleDriver && a.DriverID != p.DriverID {
			writeProblem(w, http.StatusForbidden, "Forbidden", "assignment belongs to another driver", r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, a)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// Drivers act only on their own offers; dispatchers may respond on a driver's behalf.
	driverID := ""
	switch {
	case p.Role == auth.RoleDriver:
		if p.DriverID == "" {
			writeProblem(w, http.StatusForbidden, "Forbidden", "driver identity required", r.URL.Path)
			return
		}
		driverID = p.DriverID
	case !p.CanDispatch():
		writeProblem(w, http.StatusForbidden, "Forbidden", "role "+p.Role+" may not respond to offers", r.URL.Path)
		return
	}
	var (
		a   model.Assignment
		err error
	)
	switch parts[1] {
	case "accept":
		a, err = s.Machine.Accept(r.Context(), id, driverID)
	case "decline":
		var req declineRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		a, err = s.Machine.Decline(r.Context(), id, driverID)
		if err == nil && req.Reason != "" {
			s.Logger.Info("offer declined", "assignment", id, "driver", a.DriverID, "reason", req.Reason)
		}
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) UtilizationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.require(w, r, Principal.CanDispatch); !ok {
		return
	}
	var req utilizationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	win, err := req.window()
	if err != nil {
		writeError(w, r, err)
		return
	}
	rep, err := s.Engine.OptimizeFleetUtilization(r.Context(), win)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) AllocationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.require(w, r, Principal.CanDispatch); !ok {
		return
	}
	var req allocationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	items, err := s.Engine.OptimizeResourceAllocation(r.Context(), req.JobIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// DecisionsHandler lists recent engine decisions, newest first, optionally for one job.
func (s *Server) DecisionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.require(w, r, Principal.CanDispatch); !ok {
		return
	}
	limit := queryInt(r, "limit", 50, 500)
	writeJSON(w, http.StatusOK, map[string]any{"items": s.Engine.Decisions().List(r.URL.Query().Get("jobId"), limit)})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
