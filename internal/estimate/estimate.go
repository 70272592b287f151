// Package estimate provides distance, duration and cost estimates for scoring and routing.
package estimate

import (
	"context"

	"fleetopt/internal/model"
)

// Estimate is a point-to-point travel estimate.
type Estimate struct {
	DistanceMiles   float64 `json:"distanceMiles"`
	DurationMinutes float64 `json:"durationMinutes"`
}

// Estimator looks up travel between two locations.
type Estimator interface {
	Estimate(ctx context.Context, from, to model.Location) (Estimate, error)
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(ctx context.Context, from, to model.Location) (Estimate, error)

func (f EstimatorFunc) Estimate(ctx context.Context, from, to model.Location) (Estimate, error) {
	return f(ctx, from, to)
}

// CostModel prices a driver doing a job given deadhead and loaded miles.
type CostModel interface {
	Cost(ctx context.Context, d model.Driver, j model.Job, deadheadMiles, jobMiles float64) (float64, error)
}
