package api

import (
	"time"

	"fleetopt/internal/model"
	"fleetopt/internal/opt"
)

// optimizeRequest is the body of POST /v1/jobs/{id}/optimize.
type optimizeRequest struct {
	DriverID    string            `json:"driverId,omitempty"`
	Constraints model.Constraints `json:"constraints"`
	Objectives  []model.Objective `json:"objectives,omitempty"`
	TimeoutMs   int               `json:"timeoutMs,omitempty"`
	Exclude     []string          `json:"exclude,omitempty"`
	Supersede   bool              `json:"supersede,omitempty"`
}

func validateOptimizeRequest(req optimizeRequest) error {
	for _, o := range req.Objectives {
		if !o.Valid() {
			return invalid("unknown objective %q", o)
		}
	}
	c := req.Constraints
	if !c.Priority.Valid() {
		return invalid("unknown priority %q", c.Priority)
	}
	if req.TimeoutMs < 0 {
		return invalid("timeoutMs must be >= 0")
	}
	if c.MaxDistanceMiles < 0 {
		return invalid("maxDistance must be >= 0")
	}
	if c.VehicleCapacity < 0 {
		return invalid("vehicleCapacity must be >= 0")
	}
	for i, w := range c.TimeWindows {
		if !w.End.After(w.Start) {
			return invalid("timeWindows[%d]: end must be after start", i)
		}
	}
	return nil
}

func (req optimizeRequest) toEngine(jobID string) opt.AssignmentRequest {
	return opt.AssignmentRequest{
		JobID:       jobID,
		DriverID:    req.DriverID,
		Constraints: req.Constraints,
		Objectives:  req.Objectives,
		Exclude:     req.Exclude,
		Supersede:   req.Supersede,
	}
}

func (req optimizeRequest) timeout(def time.Duration) time.Duration {
	if req.TimeoutMs > 0 {
		return time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return def
}

type utilizationRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (req utilizationRequest) window() (model.TimeWindow, error) {
	if req.Start.IsZero() || req.End.IsZero() {
		return model.TimeWindow{}, invalid("start and end are required")
	}
	if !req.End.After(req.Start) {
		return model.TimeWindow{}, invalid("end must be after start")
	}
	return model.TimeWindow{Start: req.Start, End: req.End}, nil
}

type allocationRequest struct {
	JobIDs []string `json:"jobIds"`
}

func (req allocationRequest) validate() error {
	if len(req.JobIDs) == 0 {
		return invalid("jobIds must not be empty")
	}
	if len(req.JobIDs) > 500 {
		return invalid("at most 500 jobIds per request")
	}
	for i, id := range req.JobIDs {
		if id == "" {
			return invalid("jobIds[%d] is empty", i)
		}
	}
	return nil
}

type declineRequest struct {
	Reason string `json:"reason,omitempty"`
}
