// Package integrations loads reference data (drivers, jobs, history) from upstream sources.
package integrations

import (
	"context"
	"fmt"
	"strings"

	"fleetopt/internal/model"
	"fleetopt/internal/store"
)

// Source is an upstream feed of drivers and bookings.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Batch, error)
}

// Batch is one snapshot from a Source.
type Batch struct {
	Drivers     []model.Driver      `yaml:"drivers"`
	Jobs        []model.Job         `yaml:"jobs"`
	Performance []PerformanceRecord `yaml:"performance"`
	Affinity    []AffinityRecord    `yaml:"affinity"`
}

type PerformanceRecord struct {
	DriverID string  `yaml:"driverId"`
	Score    float64 `yaml:"score"`
}

type AffinityRecord struct {
	DriverID   string  `yaml:"driverId"`
	CustomerID string  `yaml:"customerId"`
	Score      float64 `yaml:"score"`
}

// Summary counts what Load wrote.
type Summary struct {
	Source      string `json:"source"`
	Drivers     int    `json:"drivers"`
	Jobs        int    `json:"jobs"`
	Performance int    `json:"performance"`
	Affinity    int    `json:"affinity"`
}

// Load fetches a batch from src and upserts it into dst.
func Load(ctx context.Context, src Source, dst store.Seeder) (Summary, error) {
	sum := Summary{Source: src.Name()}
	b, err := src.Fetch(ctx)
	if err != nil {
		return sum, fmt.Errorf("fetch %s: %w", src.Name(), err)
	}
	if err := b.Validate(); err != nil {
		return sum, fmt.Errorf("%s: %w", src.Name(), err)
	}
	for _, d := range b.Drivers {
		if d.Status == "" {
			d.Status = model.DriverActive
		}
		for i := range d.Shifts {
			d.Shifts[i].DriverID = d.ID
		}
		if err := dst.UpsertDriver(ctx, d); err != nil {
			return sum, fmt.Errorf("driver %s: %w", d.ID, err)
		}
		sum.Drivers++
	}
	for _, j := range b.Jobs {
		j.Status = MapJobStatus(string(j.Status))
		if err := dst.UpsertJob(ctx, j); err != nil {
			return sum, fmt.Errorf("job %s: %w", j.ID, err)
		}
		sum.Jobs++
	}
	for _, p := range b.Performance {
		if err := dst.SetDriverPerformance(ctx, p.DriverID, p.Score); err != nil {
			return sum, fmt.Errorf("performance %s: %w", p.DriverID, err)
		}
		sum.Performance++
	}
	for _, a := range b.Affinity {
		if err := dst.SetCustomerAffinity(ctx, a.DriverID, a.CustomerID, a.Score); err != nil {
			return sum, fmt.Errorf("affinity %s/%s: %w", a.DriverID, a.CustomerID, err)
		}
		sum.Affinity++
	}
	return sum, nil
}

// Validate rejects records the engine cannot use.
func (b Batch) Validate() error {
	ids := map[string]bool{}
	for i, d := range b.Drivers {
		if d.ID == "" {
			return fmt.Errorf("drivers[%d]: id is required", i)
		}
		if ids[d.ID] {
			return fmt.Errorf("drivers[%d]: duplicate id %s", i, d.ID)
		}
		ids[d.ID] = true
		for k, s := range d.Shifts {
			if !s.End.After(s.Start) {
				return fmt.Errorf("driver %s shifts[%d]: end must be after start", d.ID, k)
			}
		}
	}
	for i, j := range b.Jobs {
		if j.ID == "" {
			return fmt.Errorf("jobs[%d]: id is required", i)
		}
		if j.ScheduledAt.IsZero() {
			return fmt.Errorf("job %s: scheduledAt is required", j.ID)
		}
		if !j.Priority.Valid() {
			return fmt.Errorf("job %s: unknown priority %q", j.ID, j.Priority)
		}
	}
	for _, p := range b.Performance {
		if p.Score < 0 || p.Score > 1 {
			return fmt.Errorf("performance %s: score must be within [0,1]", p.DriverID)
		}
	}
	for _, a := range b.Affinity {
		if a.Score < 0 || a.Score > 1 {
			return fmt.Errorf("affinity %s/%s: score must be within [0,1]", a.DriverID, a.CustomerID)
		}
	}
	return nil
}

// MapJobStatus maps booking-system status codes onto job statuses. Unknown codes are pending.
func MapJobStatus(code string) model.JobStatus {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "CONFIRMED", "ASSIGNED":
		return model.JobConfirmed
	case "COMPLETED", "DELIVERED":
		return model.JobCompleted
	case "CANCELLED", "CANCELED":
		return model.JobCancelled
	default:
		return model.JobPending
	}
}
