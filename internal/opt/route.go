package opt

import (
	"time"

	"fleetopt/internal/model"
)

const (
	pickupServiceMinutes  = 30
	dropoffServiceMinutes = 45
)

// JobDuration is the fixed planning model: 3 min per mile, 5 per item (at least one), plus an hour.
func JobDuration(miles float64, items int) float64 {
	return miles*3 + float64(max(items, 1))*5 + 60
}

// BuildRoute returns the two-stop planning route for the chosen driver.
func BuildRoute(job model.Job, chosen model.DriverScore, jobMiles float64, approximate bool) model.Route {
	dur := JobDuration(jobMiles, job.ItemCount)
	prio := job.Priority.Rank()
	return model.Route{
		DriverID:        chosen.DriverID,
		DurationMinutes: dur,
		DistanceMiles:   jobMiles,
		Cost:            chosen.EstimatedCost,
		Approximate:     approximate,
		Waypoints: []model.Waypoint{
			{
				Address:        job.Pickup.Address,
				Location:       job.Pickup,
				ArrivalAt:      job.ScheduledAt,
				ServiceMinutes: pickupServiceMinutes,
				Priority:       prio,
			},
			{
				Address:        job.Dropoff.Address,
				Location:       job.Dropoff,
				ArrivalAt:      job.ScheduledAt.Add(time.Duration(dur * float64(time.Minute))),
				ServiceMinutes: dropoffServiceMinutes,
				Priority:       prio,
			},
		},
	}
}
