package opt

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"fleetopt/internal/estimate"
	"fleetopt/internal/model"
	"fleetopt/internal/store"
)

// EligibilityFilter shortlists drivers for a job before any scoring happens.
type EligibilityFilter struct {
	Drivers       store.DriverRepository
	MaxCandidates int
}

// EligibilityRequest narrows the store's eligible set for one job.
type EligibilityRequest struct {
	Job         model.Job
	Constraints model.Constraints
	Exclude     map[string]bool
	// Only restricts the set to one driver (dispatcher override).
	Only string
}

// Candidates returns eligible drivers nearest to the pickup first. An empty result is not an error.
func (f EligibilityFilter) Candidates(ctx context.Context, req EligibilityRequest) ([]model.Driver, error) {
	q := model.EligibilityQuery{
		Window:      req.Job.Window(),
		MinCapacity: max(req.Constraints.VehicleCapacity, req.Job.RequiredCapacity),
	}
	all, err := f.Drivers.FindEligible(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find eligible drivers: %w", err)
	}
	out := make([]model.Driver, 0, len(all))
	for _, d := range all {
		if req.Exclude[d.ID] || (req.Only != "" && d.ID != req.Only) {
			continue
		}
		if !withinAnyWindow(d, req.Constraints.TimeWindows) {
			continue
		}
		out = append(out, d)
	}
	pickup := req.Job.Pickup
	slices.SortStableFunc(out, func(a, b model.Driver) int {
		if c := cmp.Compare(estimate.Miles(a.Base, pickup), estimate.Miles(b.Base, pickup)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.MaxCandidates > 0 && len(out) > f.MaxCandidates {
		out = out[:f.MaxCandidates]
	}
	return out, nil
}

// withinAnyWindow is true when no windows are given or an active shift overlaps one of them.
func withinAnyWindow(d model.Driver, windows []model.TimeWindow) bool {
	if len(windows) == 0 {
		return true
	}
	for _, s := range d.Shifts {
		if !s.Active {
			continue
		}
		for _, w := range windows {
			if s.Window().Overlaps(w) {
				return true
			}
		}
	}
	return false
}
