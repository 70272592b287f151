package opt

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"fleetopt/internal/model"
	"fleetopt/internal/store"
)

const (
	underutilizedBelow = 0.6
	overutilizedAbove  = 0.9
	optimizedCeiling   = 0.95
)

// Classify buckets a driver's assigned/shift ratio.
func Classify(ratio float64) model.UtilizationClass {
	switch {
	case ratio < underutilizedBelow:
		return model.Underutilized
	case ratio > overutilizedAbove:
		return model.Overutilized
	}
	return model.Balanced
}

// UtilizationAnalyzer reports fleet utilization over a window. It only reads.
type UtilizationAnalyzer struct {
	Drivers     store.DriverRepository
	Assignments store.AssignmentRepository
}

func (u UtilizationAnalyzer) Analyze(ctx context.Context, w model.TimeWindow) (model.FleetReport, error) {
	if !w.End.After(w.Start) {
		return model.FleetReport{}, fmt.Errorf("utilization window end must be after start")
	}
	shifts, err := u.Drivers.ShiftsOverlapping(ctx, w)
	if err != nil {
		return model.FleetReport{}, fmt.Errorf("shifts overlapping window: %w", err)
	}
	work, err := u.Assignments.CommittedInWindow(ctx, w)
	if err != nil {
		return model.FleetReport{}, fmt.Errorf("committed work in window: %w", err)
	}

	rows := map[string]*model.DriverUtilization{}
	row := func(id string) *model.DriverUtilization {
		r := rows[id]
		if r == nil {
			r = &model.DriverUtilization{DriverID: id}
			rows[id] = r
		}
		return r
	}
	for _, s := range shifts {
		if cw, ok := s.Window().Clip(w); ok {
			row(s.DriverID).ShiftHours += cw.Hours()
		}
	}
	for _, cw := range work {
		row(cw.Assignment.DriverID).AssignedHours += cw.Job.WorkHours()
	}

	rep := model.FleetReport{Window: w, Drivers: make([]model.DriverUtilization, 0, len(rows))}
	var totalShift, totalAssigned float64
	var under, over, idle []string
	for _, r := range rows {
		if r.ShiftHours <= 0 {
			r.Class = model.Unscheduled
			rep.Drivers = append(rep.Drivers, *r)
			continue
		}
		r.Ratio = r.AssignedHours / r.ShiftHours
		r.Class = Classify(r.Ratio)
		totalShift += r.ShiftHours
		totalAssigned += r.AssignedHours
		switch r.Class {
		case model.Underutilized:
			under = append(under, r.DriverID)
		case model.Overutilized:
			over = append(over, r.DriverID)
		}
		if r.AssignedHours == 0 {
			idle = append(idle, r.DriverID)
		}
		rep.Drivers = append(rep.Drivers, *r)
	}
	slices.SortFunc(rep.Drivers, func(a, b model.DriverUtilization) int { return cmp.Compare(a.DriverID, b.DriverID) })
	slices.Sort(under)
	slices.Sort(over)
	slices.Sort(idle)

	if totalShift > 0 {
		rep.CurrentUtilization = totalAssigned / totalShift
	}
	rep.Recommendations = recommendations(under, over, idle)
	impact := 0.0
	for _, r := range rep.Recommendations {
		impact += r.Impact
	}
	rep.OptimizedUtilization = math.Min(optimizedCeiling, rep.CurrentUtilization+impact)
	return rep, nil
}

func recommendations(under, over, idle []string) []model.FleetRecommendation {
	out := []model.FleetRecommendation{}
	if len(under) > 0 {
		out = append(out, model.FleetRecommendation{
			Type:        model.RecommendRebalance,
			Description: fmt.Sprintf("Redistribute jobs to %d underutilized drivers", len(under)),
			Impact:      0.15,
			Priority:    model.LevelMedium,
			DriverIDs:   under,
		})
	}
	if len(over) > 0 {
		out = append(out, model.FleetRecommendation{
			Type:        model.RecommendAdjustCapacity,
			Description: fmt.Sprintf("Add capacity or shift hours for %d overutilized drivers", len(over)),
			Impact:      0.20,
			Priority:    model.LevelHigh,
			DriverIDs:   over,
		})
	}
	if len(idle) > 0 {
		out = append(out, model.FleetRecommendation{
			Type:        model.RecommendMaintenance,
			Description: fmt.Sprintf("Schedule vehicle maintenance during idle shifts of %d drivers", len(idle)),
			Impact:      0.05,
			Priority:    model.LevelLow,
			DriverIDs:   idle,
		})
	}
	return out
}
