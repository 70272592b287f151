package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"fleetopt/internal/model"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeProblemBody(w, Problem{Title: title, Status: status, Detail: detail, Instance: instance})
}

func writeProblemBody(w http.ResponseWriter, p Problem) {
	p.Type = "about:blank"
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// validationError marks a request the caller must fix.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func invalid(format string, args ...any) error { return &validationError{msg: fmt.Sprintf(format, args...)} }

// writeError maps engine and lifecycle errors onto problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *validationError
		ne *model.NoEligibleDriverError
		ce *model.ConflictError
	)
	p := Problem{Instance: r.URL.Path, Detail: err.Error()}
	switch {
	case errors.As(err, &ve):
		p.Status, p.Title = http.StatusBadRequest, "Invalid Request"
	case errors.Is(err, model.ErrNotFound):
		p.Status, p.Title = http.StatusNotFound, "Not Found"
	case errors.As(err, &ne):
		p.Status, p.Title = http.StatusUnprocessableEntity, "No Eligible Driver"
		p.Detail = "no driver available, job requires manual dispatch"
		p.Reason = ne.Reason
	case errors.As(err, &ce):
		p.Status, p.Title, p.Reason = http.StatusConflict, "Assignment Conflict", string(ce.Reason)
	case errors.Is(err, model.ErrOfferExpired):
		p.Status, p.Title = http.StatusGone, "Offer Expired"
	case errors.Is(err, model.ErrInvalidTransition):
		p.Status, p.Title = http.StatusConflict, "Invalid Transition"
	case errors.Is(err, model.ErrNotAssignee):
		p.Status, p.Title = http.StatusForbidden, "Forbidden"
	case errors.Is(err, model.ErrNoDecision), errors.Is(err, context.DeadlineExceeded):
		p.Status, p.Title = http.StatusGatewayTimeout, "No Decision"
	default:
		p.Status, p.Title, p.Detail = http.StatusInternalServerError, "Internal Error", "internal error"
	}
	writeProblemBody(w, p)
}

// decodeJSON reads an optional JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return invalid("invalid JSON: %v", err)
	}
	return nil
}
