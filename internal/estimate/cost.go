package estimate

import (
	"context"

	"fleetopt/internal/model"
)

// RateCard prices a job as a base fee plus a per-mile rate, scaled by the driver's multiplier.
type RateCard struct {
	BaseFee float64
	PerMile float64
}

func (r RateCard) Cost(_ context.Context, d model.Driver, _ model.Job, deadheadMiles, jobMiles float64) (float64, error) {
	m := d.RateMultiplier
	if m <= 0 {
		m = 1
	}
	return (r.BaseFee + r.PerMile*(deadheadMiles+jobMiles)) * m, nil
}
