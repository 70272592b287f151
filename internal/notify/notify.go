// Package notify fans assignment lifecycle changes out to drivers and subscribers.
package notify

import (
	"context"
	"errors"
	"time"

	"fleetopt/internal/model"
)

// Notification is the payload every sink delivers.
type Notification struct {
	Type       string           `json:"type"`
	Assignment model.Assignment `json:"assignment"`
	Reason     string           `json:"reason,omitempty"`
	At         time.Time        `json:"at"`
	// ExpiresInSeconds is the acceptance window on an offer.
	ExpiresInSeconds int `json:"expiresInSeconds,omitempty"`
}

// Sink receives lifecycle notifications. Implementations must be safe for concurrent use.
type Sink interface {
	AssignmentOffered(ctx context.Context, a model.Assignment) error
	AssignmentUpdated(ctx context.Context, a model.Assignment, reason string) error
}

// Offered builds the notification for a new offer.
func Offered(a model.Assignment) Notification {
	return Notification{
		Type:             model.EventAssignmentOffered,
		Assignment:       a,
		Reason:           model.ReasonOffered,
		ExpiresInSeconds: int(a.ExpiresAt.Sub(a.CreatedAt).Seconds()),
		At:               a.CreatedAt,
	}
}

// Updated builds the notification for any later transition.
func Updated(a model.Assignment, reason string) Notification {
	at := a.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Notification{Type: model.EventAssignmentUpdated, Assignment: a, Reason: reason, At: at}
}

// Multi delivers to every sink and joins their errors.
type Multi []Sink

func (m Multi) AssignmentOffered(ctx context.Context, a model.Assignment) error {
	var errs []error
	for _, s := range m {
		if err := s.AssignmentOffered(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) AssignmentUpdated(ctx context.Context, a model.Assignment, reason string) error {
	var errs []error
	for _, s := range m {
		if err := s.AssignmentUpdated(ctx, a, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) AssignmentOffered(context.Context, model.Assignment) error         { return nil }
func (Nop) AssignmentUpdated(context.Context, model.Assignment, string) error { return nil }
