package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches any NotFoundError via errors.Is.
	ErrNotFound = errors.New("not found")
	// ErrNoDecision is returned when a request ran out of time before any candidate was scored.
	ErrNoDecision = errors.New("no decision reached before deadline")
	// ErrInvalidTransition is returned for a lifecycle move the state table does not allow.
	ErrInvalidTransition = errors.New("invalid assignment transition")
	// ErrOfferExpired is returned when a driver responds after the acceptance window closed.
	ErrOfferExpired = errors.New("offer expired")
	// ErrNotAssignee is returned when a driver responds to an offer made to someone else.
	ErrNotAssignee = errors.New("assignment belongs to another driver")
)

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

// NoEligibleDriverError means no candidate could be offered the job. Callers escalate to manual dispatch.
type NoEligibleDriverError struct {
	JobID  string
	Reason string
}

func (e *NoEligibleDriverError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("no eligible driver for job %s", e.JobID)
	}
	return fmt.Sprintf("no eligible driver for job %s: %s", e.JobID, e.Reason)
}

type ConflictReason string

const (
	// ConflictJobReserved means the job already has an active assignment.
	ConflictJobReserved ConflictReason = "job_reserved"
	// ConflictDriverBusy means the driver holds another active assignment in the same window.
	ConflictDriverBusy ConflictReason = "driver_busy"
)

type ConflictError struct {
	JobID    string
	DriverID string
	Reason   ConflictReason
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("assignment conflict for job %s driver %s: %s", e.JobID, e.DriverID, e.Reason)
}

// EstimationUnavailableError wraps a distance or cost lookup that failed after retries.
type EstimationUnavailableError struct {
	From string
	To   string
	Err  error
}

func (e *EstimationUnavailableError) Error() string {
	return fmt.Sprintf("estimate %s -> %s unavailable: %v", e.From, e.To, e.Err)
}

func (e *EstimationUnavailableError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a ConflictError with the given reason. An empty reason matches any.
func IsConflict(err error, reason ConflictReason) bool {
	var ce *ConflictError
	if !errors.As(err, &ce) {
		return false
	}
	return reason == "" || ce.Reason == reason
}
