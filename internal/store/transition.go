package store

import (
	"fmt"

	"fleetopt/internal/model"
)

// checkTransition validates a compare-and-set against the current row. Both backends call it
// while holding their lock on the assignment.
func checkTransition(a model.Assignment, req model.TransitionRequest) error {
	if req.DriverID != "" && req.DriverID != a.DriverID {
		return model.ErrNotAssignee
	}
	if a.Status != req.From || !model.CanTransition(req.From, req.To) {
		return fmt.Errorf("%w: assignment %s is %s, cannot move %s -> %s", model.ErrInvalidTransition, a.ID, a.Status, req.From, req.To)
	}
	switch req.To {
	case model.StatusConfirmed, model.StatusDeclined:
		if a.Overdue(req.Now) {
			return model.ErrOfferExpired
		}
	case model.StatusExpired:
		if !a.Overdue(req.Now) {
			return fmt.Errorf("%w: assignment %s has not expired", model.ErrInvalidTransition, a.ID)
		}
	}
	return nil
}
