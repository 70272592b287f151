package api

import (
	"net/http"
	"net/url"
	"slices"

	"fleetopt/internal/model"
)

var knownEvents = []string{model.EventAssignmentOffered, model.EventAssignmentUpdated}

func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.require(w, r, Principal.IsAdmin)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := validateSubscription(req); err != nil {
			writeError(w, r, err)
			return
		}
		req.TenantID = p.Tenant
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		cursor := r.URL.Query().Get("cursor")
		limit := queryInt(r, "limit", 100, 500)
		items, next, err := s.Store.ListSubscriptions(r.Context(), p.Tenant, cursor, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		for i := range items {
			items[i].Secret = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.require(w, r, Principal.IsAdmin)
	if !ok {
		return
	}
	parts := pathParts(r.URL.Path, "/v1/subscriptions/")
	if len(parts) != 1 {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), p.Tenant, parts[0]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.require(w, r, Principal.IsAdmin)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := r.URL.Query().Get("status")
	items, err := s.Store.ListWebhookDeliveries(r.Context(), p.Tenant, status, queryInt(r, "limit", 100, 500))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func validateSubscription(req model.SubscriptionRequest) error {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("url must be an absolute http(s) URL")
	}
	if len(req.Events) == 0 {
		return invalid("events must not be empty")
	}
	for _, e := range req.Events {
		if !slices.Contains(knownEvents, e) {
			return invalid("unknown event %q", e)
		}
	}
	return nil
}
