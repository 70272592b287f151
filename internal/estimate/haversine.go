package estimate

import (
	"context"
	"math"

	"fleetopt/internal/model"
)

const earthRadiusMiles = 3958.8

// Miles is the great-circle distance between two coordinates.
func Miles(a, b model.Location) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMiles * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Haversine estimates road travel from straight-line distance. It never fails.
type Haversine struct {
	// Circuity scales straight-line miles to road miles. Zero means 1.3.
	Circuity float64
	// SpeedMph is the assumed average speed. Zero means 25.
	SpeedMph float64
}

func (h Haversine) Estimate(_ context.Context, from, to model.Location) (Estimate, error) {
	c := h.Circuity
	if c <= 0 {
		c = 1.3
	}
	s := h.SpeedMph
	if s <= 0 {
		s = 25
	}
	miles := Miles(from, to) * c
	return Estimate{DistanceMiles: miles, DurationMinutes: miles / s * 60}, nil
}
