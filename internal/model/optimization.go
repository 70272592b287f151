package model

import "time"

// Factors are the normalized sub-scores of a candidate, each in [0,1].
type Factors struct {
	Distance           float64 `json:"distance"`
	Performance        float64 `json:"performance"`
	Availability       float64 `json:"availability"`
	SkillMatch         float64 `json:"skillMatch"`
	Cost               float64 `json:"cost"`
	CustomerPreference float64 `json:"customerPreference"`
}

// Weights multiply Factors into an overall score.
type Weights Factors

func (w Weights) Sum() float64 {
	return w.Distance + w.Performance + w.Availability + w.SkillMatch + w.Cost + w.CustomerPreference
}

// Apply returns the weighted sum of f.
func (w Weights) Apply(f Factors) float64 {
	return w.Distance*f.Distance +
		w.Performance*f.Performance +
		w.Availability*f.Availability +
		w.SkillMatch*f.SkillMatch +
		w.Cost*f.Cost +
		w.CustomerPreference*f.CustomerPreference
}

// DriverScore is computed per request and never persisted.
type DriverScore struct {
	DriverID      string   `json:"driverId"`
	Score         float64  `json:"score"`
	Factors       Factors  `json:"factors"`
	EstimatedCost float64  `json:"estimatedCost"`
	DistanceMiles float64  `json:"distanceMiles"`
	Degraded      bool     `json:"degraded,omitempty"`
	Tradeoffs     []string `json:"tradeoffs,omitempty"`
}

type Waypoint struct {
	Address        string    `json:"address"`
	Location       Location  `json:"location"`
	ArrivalAt      time.Time `json:"estimatedArrival"`
	ServiceMinutes int       `json:"serviceTimeMinutes"`
	Priority       int       `json:"priority"`
}

// Route is a planning estimate returned to the caller, not a navigation plan.
type Route struct {
	DriverID        string     `json:"driverId"`
	DurationMinutes float64    `json:"estimatedDuration"`
	DistanceMiles   float64    `json:"estimatedDistance"`
	Cost            float64    `json:"estimatedCost"`
	Approximate     bool       `json:"approximate,omitempty"`
	Waypoints       []Waypoint `json:"waypoints"`
}

type Alternative struct {
	DriverID  string   `json:"driverId"`
	Score     float64  `json:"score"`
	Tradeoffs []string `json:"tradeoffs"`
}

// AssignmentResult is the outcome of one OptimizeAssignment call.
type AssignmentResult struct {
	JobID             string        `json:"jobId"`
	Route             Route         `json:"route"`
	Alternatives      []Alternative `json:"alternatives"`
	OptimizationScore float64       `json:"optimizationScore"`
	Recommendations   []string      `json:"recommendations"`
	Confidence        float64       `json:"confidence"`
	Assignment        *Assignment   `json:"assignment,omitempty"`
	// Partial is set when the caller's deadline passed before every candidate was scored.
	// No reservation is made for a partial result.
	Partial bool          `json:"partial,omitempty"`
	Scores  []DriverScore `json:"scores,omitempty"`
}

type RecommendationType string

const (
	RecommendRebalance      RecommendationType = "rebalance"
	RecommendAdjustCapacity RecommendationType = "adjust_capacity"
	RecommendMaintenance    RecommendationType = "schedule_maintenance"
)

type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

type FleetRecommendation struct {
	Type        RecommendationType `json:"type"`
	Description string             `json:"description"`
	Impact      float64            `json:"impact"`
	Priority    Level              `json:"priority"`
	DriverIDs   []string           `json:"driverIds,omitempty"`
}

type UtilizationClass string

const (
	Underutilized UtilizationClass = "underutilized"
	Balanced      UtilizationClass = "balanced"
	Overutilized  UtilizationClass = "overutilized"
	Unscheduled   UtilizationClass = "unscheduled"
)

type DriverUtilization struct {
	DriverID      string           `json:"driverId"`
	ShiftHours    float64          `json:"shiftHours"`
	AssignedHours float64          `json:"assignedHours"`
	Ratio         float64          `json:"ratio"`
	Class         UtilizationClass `json:"class"`
}

type FleetReport struct {
	Window               TimeWindow            `json:"window"`
	CurrentUtilization   float64               `json:"currentUtilization"`
	OptimizedUtilization float64               `json:"optimizedUtilization"`
	Recommendations      []FleetRecommendation `json:"recommendations"`
	Drivers              []DriverUtilization   `json:"drivers"`
}

// ResourceAllocation is a batch-planning claim on a driver and vehicle. It is not a reservation.
type ResourceAllocation struct {
	JobID        string   `json:"jobId"`
	DriverID     string   `json:"driverId"`
	VehicleID    string   `json:"vehicleId"`
	HelperIDs    []string `json:"helperIds"`
	Equipment    []string `json:"equipment"`
	Utilization  float64  `json:"estimatedUtilization"`
	SkillMatch   float64  `json:"skillMatch"`
	Availability float64  `json:"availabilityScore"`
}
