// Package model holds the domain types shared by the store, engine and API layers.
package model

import (
	"strconv"
	"strings"
	"time"
)

const (
	// EligibilityBuffer pads a job's scheduled time on both sides when checking shifts and conflicts.
	EligibilityBuffer = 2 * time.Hour
	// DefaultOfferTTL is how long a driver has to accept an offer.
	DefaultOfferTTL = 30 * time.Minute
)

// Location is an address with coordinates.
type Location struct {
	Address  string  `json:"address" yaml:"address"`
	Postcode string  `json:"postcode,omitempty" yaml:"postcode"`
	Lat      float64 `json:"lat" yaml:"lat"`
	Lng      float64 `json:"lng" yaml:"lng"`
}

// Key identifies the location for caching and logging.
func (l Location) Key() string {
	if l.Lat != 0 || l.Lng != 0 {
		return formatCoord(l.Lat) + "," + formatCoord(l.Lng)
	}
	return strings.ToLower(strings.TrimSpace(l.Address))
}

// TimeWindow is a closed interval [Start, End].
type TimeWindow struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Around returns the window [t-pad, t+pad].
func Around(t time.Time, pad time.Duration) TimeWindow {
	return TimeWindow{Start: t.Add(-pad), End: t.Add(pad)}
}

// Covers reports whether w fully contains o.
func (w TimeWindow) Covers(o TimeWindow) bool {
	return !w.Start.After(o.Start) && !w.End.Before(o.End)
}

// Overlaps reports whether the two windows share any instant.
func (w TimeWindow) Overlaps(o TimeWindow) bool {
	return !w.Start.After(o.End) && !o.Start.After(w.End)
}

// Contains reports whether t lies inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Clip returns the intersection of w and o. ok is false when they do not overlap.
func (w TimeWindow) Clip(o TimeWindow) (TimeWindow, bool) {
	if !w.Overlaps(o) {
		return TimeWindow{}, false
	}
	out := w
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	return out, true
}

// Hours is the window length in hours.
func (w TimeWindow) Hours() float64 {
	if w.End.Before(w.Start) {
		return 0
	}
	return w.End.Sub(w.Start).Hours()
}

type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityStandard Priority = "STANDARD"
	PriorityHigh     Priority = "HIGH"
	PriorityUrgent   Priority = "URGENT"
)

// Rank maps a priority onto 1..4; unknown values rank as STANDARD.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 2
	}
}

// Valid reports whether p is empty or one of the known levels.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityStandard, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobConfirmed JobStatus = "CONFIRMED"
	JobCompleted JobStatus = "COMPLETED"
	JobCancelled JobStatus = "CANCELLED"
)

// Job is a booking that needs a driver. Jobs are created by the booking system; the engine only
// changes Status, ProvisionalDriverID and ConfirmedDriverID through the assignment state machine.
//
// ProvisionalDriverID is written when an offer is made so dashboards can show it immediately.
// It is not a commitment: only ConfirmedDriverID, set on acceptance, is.
type Job struct {
	ID                  string    `json:"id" yaml:"id"`
	CustomerID          string    `json:"customerId" yaml:"customerId"`
	Pickup              Location  `json:"pickup" yaml:"pickup"`
	Dropoff             Location  `json:"dropoff" yaml:"dropoff"`
	ScheduledAt         time.Time `json:"scheduledAt" yaml:"scheduledAt"`
	Priority            Priority  `json:"priority" yaml:"priority"`
	ItemCount           int       `json:"itemCount" yaml:"itemCount"`
	RequiredSkills      []string  `json:"requiredSkills,omitempty" yaml:"requiredSkills"`
	RequiredCapacity    float64   `json:"requiredCapacity,omitempty" yaml:"requiredCapacity"`
	Equipment           []string  `json:"equipment,omitempty" yaml:"equipment"`
	EstimatedMinutes    int       `json:"estimatedMinutes,omitempty" yaml:"estimatedMinutes"`
	Status              JobStatus `json:"status" yaml:"status"`
	ProvisionalDriverID string    `json:"provisionalDriverId,omitempty" yaml:"-"`
	ConfirmedDriverID   string    `json:"confirmedDriverId,omitempty" yaml:"-"`
}

// Window is the buffered interval used for eligibility and conflict checks.
func (j Job) Window() TimeWindow { return Around(j.ScheduledAt, EligibilityBuffer) }

// WorkHours is the time the job occupies a driver, defaulting to one hour.
func (j Job) WorkHours() float64 {
	if j.EstimatedMinutes <= 0 {
		return 1
	}
	return float64(j.EstimatedMinutes) / 60
}

type DriverStatus string

const (
	DriverActive   DriverStatus = "active"
	DriverInactive DriverStatus = "inactive"
)

type Driver struct {
	ID              string       `json:"id" yaml:"id"`
	Name            string       `json:"name" yaml:"name"`
	Status          DriverStatus `json:"status" yaml:"status"`
	Base            Location     `json:"base" yaml:"base"`
	Skills          []string     `json:"skills,omitempty" yaml:"skills"`
	VehicleID       string       `json:"vehicleId,omitempty" yaml:"vehicleId"`
	VehicleCapacity float64      `json:"vehicleCapacity,omitempty" yaml:"vehicleCapacity"`
	RateMultiplier  float64      `json:"rateMultiplier,omitempty" yaml:"rateMultiplier"`
	Shifts          []Shift      `json:"shifts,omitempty" yaml:"shifts"`
}

// HasSkill matches case-insensitively.
func (d Driver) HasSkill(skill string) bool {
	for _, s := range d.Skills {
		if strings.EqualFold(s, skill) {
			return true
		}
	}
	return false
}

type Shift struct {
	ID       string    `json:"id" yaml:"id"`
	DriverID string    `json:"driverId" yaml:"-"`
	Start    time.Time `json:"start" yaml:"start"`
	End      time.Time `json:"end" yaml:"end"`
	Active   bool      `json:"active" yaml:"active"`
}

func (s Shift) Window() TimeWindow { return TimeWindow{Start: s.Start, End: s.End} }

// EligibilityQuery is what the driver repository needs to shortlist candidates.
type EligibilityQuery struct {
	Window      TimeWindow
	MinCapacity float64
}

// Objective reweights scoring for a request.
type Objective string

const (
	MinimizeCost         Objective = "minimize_cost"
	MinimizeTime         Objective = "minimize_time"
	MaximizeSatisfaction Objective = "maximize_satisfaction"
	MaximizeEfficiency   Objective = "maximize_efficiency"
)

func (o Objective) Valid() bool {
	switch o {
	case MinimizeCost, MinimizeTime, MaximizeSatisfaction, MaximizeEfficiency:
		return true
	}
	return false
}

// HasObjective reports whether want is in objs.
func HasObjective(objs []Objective, want Objective) bool {
	for _, o := range objs {
		if o == want {
			return true
		}
	}
	return false
}

// Constraints narrow and shape a single optimization request.
type Constraints struct {
	TimeWindows      []TimeWindow `json:"timeWindows,omitempty"`
	VehicleCapacity  float64      `json:"vehicleCapacity,omitempty"`
	RequiredSkills   []string     `json:"requiredSkills,omitempty"`
	MaxDistanceMiles float64      `json:"maxDistance,omitempty"`
	Priority         Priority     `json:"priority,omitempty"`
}

// five decimals is roughly one metre
func formatCoord(v float64) string { return strconv.FormatFloat(v, 'f', 5, 64) }
