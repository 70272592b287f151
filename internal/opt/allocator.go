package opt

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"fleetopt/internal/model"
	"fleetopt/internal/store"
)

const defaultVehicle = "default"

// Allocator plans one driver per job for a batch. It never writes; durable holds go through the
// assignment machine.
type Allocator struct {
	Jobs   store.JobRepository
	Filter EligibilityFilter
	Logger *slog.Logger
}

// Allocate claims the nearest eligible driver per job in input order, then drops later claims
// on a driver already claimed earlier in the batch.
func (a Allocator) Allocate(ctx context.Context, jobIDs []string) ([]model.ResourceAllocation, error) {
	claims := make([]model.ResourceAllocation, 0, len(jobIDs))
	for _, id := range jobIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, err := a.Jobs.GetJob(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			a.log().Info("allocation skipped: job not found", "job", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		cands, err := a.Filter.Candidates(ctx, EligibilityRequest{Job: job})
		if err != nil {
			return nil, err
		}
		if len(cands) == 0 {
			a.log().Info("allocation skipped: no eligible driver", "job", id)
			continue
		}
		// candidates arrive nearest first with id tie-break
		claims = append(claims, allocationFor(job, cands[0]))
	}
	return Dedupe(claims, a.log()), nil
}

func allocationFor(job model.Job, d model.Driver) model.ResourceAllocation {
	vehicle := d.VehicleID
	if vehicle == "" {
		vehicle = defaultVehicle
	}
	util := 0.8
	if d.VehicleCapacity > 0 {
		util = min(1, job.RequiredCapacity/d.VehicleCapacity)
	}
	return model.ResourceAllocation{
		JobID:        job.ID,
		DriverID:     d.ID,
		VehicleID:    vehicle,
		HelperIDs:    []string{},
		Equipment:    equipmentFor(job),
		Utilization:  util,
		SkillMatch:   SkillMatch(d, RequiredSkills(job, model.Constraints{})),
		Availability: Availability(d, job.Window()),
	}
}

func equipmentFor(job model.Job) []string {
	out := []string{"basic_tools"}
	for _, e := range job.Equipment {
		e = strings.TrimSpace(e)
		if e != "" && !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}

// Dedupe keeps the first allocation per driver.
func Dedupe(in []model.ResourceAllocation, logger *slog.Logger) []model.ResourceAllocation {
	seen := map[string]string{}
	out := make([]model.ResourceAllocation, 0, len(in))
	for _, a := range in {
		if first, ok := seen[a.DriverID]; ok {
			if logger != nil {
				logger.Info("allocation dropped: driver already claimed", "job", a.JobID, "driver", a.DriverID, "claimedBy", first)
			}
			continue
		}
		seen[a.DriverID] = a.JobID
		out = append(out, a)
	}
	return out
}

func (a Allocator) log() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}
