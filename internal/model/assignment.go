package model

import "time"

type AssignmentStatus string

const (
	// StatusNone is the implicit state of a job before any offer exists.
	StatusNone      AssignmentStatus = "NONE"
	StatusInvited   AssignmentStatus = "INVITED"
	StatusConfirmed AssignmentStatus = "CONFIRMED"
	StatusDeclined  AssignmentStatus = "DECLINED"
	StatusExpired   AssignmentStatus = "EXPIRED"
)

// Assignment reserves one driver for one job. At most one INVITED or CONFIRMED assignment
// exists per job, and its persisted shape is {id, jobId, driverId, status, round, createdAt, expiresAt}.
type Assignment struct {
	ID        string           `json:"id"`
	JobID     string           `json:"jobId"`
	DriverID  string           `json:"driverId"`
	Status    AssignmentStatus `json:"status"`
	Round     int              `json:"round"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
	UpdatedAt time.Time        `json:"updatedAt,omitempty"`
}

// Active reports whether the assignment still holds its slot at now.
func (a Assignment) Active(now time.Time) bool {
	switch a.Status {
	case StatusConfirmed:
		return true
	case StatusInvited:
		return now.Before(a.ExpiresAt)
	}
	return false
}

// Overdue is true for an INVITED offer whose acceptance window has passed.
func (a Assignment) Overdue(now time.Time) bool {
	return a.Status == StatusInvited && !now.Before(a.ExpiresAt)
}

// AssignmentEvent is the audit record of one lifecycle transition.
type AssignmentEvent struct {
	ID           string           `json:"id"`
	AssignmentID string           `json:"assignmentId"`
	JobID        string           `json:"jobId"`
	DriverID     string           `json:"driverId"`
	From         AssignmentStatus `json:"from"`
	To           AssignmentStatus `json:"to"`
	Reason       string           `json:"reason,omitempty"`
	At           time.Time        `json:"at"`
}

// Event reasons recorded with transitions.
const (
	ReasonOffered    = "offered"
	ReasonAccepted   = "accepted"
	ReasonDeclined   = "declined"
	ReasonExpired    = "expired"
	ReasonSuperseded = "superseded"
)

// ReserveRequest is the input to the atomic reservation.
type ReserveRequest struct {
	JobID    string
	DriverID string
	TTL      time.Duration
	Now      time.Time
	// Supersede lets a dispatcher replace a pending offer. A CONFIRMED assignment is never replaced.
	Supersede bool
}

// TransitionRequest moves an existing assignment from one status to another.
type TransitionRequest struct {
	AssignmentID string
	From         AssignmentStatus
	To           AssignmentStatus
	Reason       string
	Now          time.Time
	// DriverID, when set, must match the assignment's driver.
	DriverID string
}

// CommittedWork is a confirmed assignment together with the job it commits to.
type CommittedWork struct {
	Assignment Assignment `json:"assignment"`
	Job        Job        `json:"job"`
}

// AllowedTransitions is the assignment lifecycle. Reassignment creates a new INVITED row with round+1.
var AllowedTransitions = map[AssignmentStatus][]AssignmentStatus{
	StatusNone:    {StatusInvited},
	StatusInvited: {StatusConfirmed, StatusDeclined, StatusExpired},
}

// CanTransition reports whether from -> to is in the lifecycle table.
func CanTransition(from, to AssignmentStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
