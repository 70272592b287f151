package opt

import (
	"cmp"
	"slices"

	"fleetopt/internal/model"
)

// Rank orders scores best first: score descending, driver id ascending. With minimize_cost the
// order is by score per unit cost, and candidates without a positive cost go last.
func Rank(scores []model.DriverScore, objs []model.Objective) []model.DriverScore {
	out := slices.Clone(scores)
	byScore := func(a, b model.DriverScore) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.DriverID, b.DriverID)
	}
	if !model.HasObjective(objs, model.MinimizeCost) {
		slices.SortStableFunc(out, byScore)
		return out
	}
	slices.SortStableFunc(out, func(a, b model.DriverScore) int {
		ap, bp := a.EstimatedCost > 0, b.EstimatedCost > 0
		switch {
		case ap && !bp:
			return -1
		case !ap && bp:
			return 1
		case ap && bp:
			if c := cmp.Compare(b.Score/b.EstimatedCost, a.Score/a.EstimatedCost); c != 0 {
				return c
			}
		}
		return byScore(a, b)
	})
	return out
}

// Select returns the best candidate. ok is false for an empty set.
func Select(scores []model.DriverScore, objs []model.Objective) (model.DriverScore, bool) {
	if len(scores) == 0 {
		return model.DriverScore{}, false
	}
	return Rank(scores, objs)[0], true
}
