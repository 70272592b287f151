package opt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetopt/internal/assign"
	"fleetopt/internal/estimate"
	"fleetopt/internal/model"
	"fleetopt/internal/store"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeEstimator returns fixed miles keyed by the origin address.
type fakeEstimator struct {
	mu    sync.Mutex
	miles map[string]float64
	fail  map[string]bool
	block map[string]bool
	calls int
}

func (f *fakeEstimator) Estimate(ctx context.Context, from, _ model.Location) (estimate.Estimate, error) {
	f.mu.Lock()
	f.calls++
	miles, fail, block := f.miles[from.Address], f.fail[from.Address], f.block[from.Address]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return estimate.Estimate{}, ctx.Err()
	}
	if fail {
		return estimate.Estimate{}, &model.EstimationUnavailableError{From: from.Key(), Err: errors.New("503")}
	}
	if miles == 0 {
		miles = 1
	}
	return estimate.Estimate{DistanceMiles: miles, DurationMinutes: miles * 2}, nil
}

func shiftFor(id string) []model.Shift {
	return []model.Shift{{ID: id + "-s", Start: t0.Add(-6 * time.Hour), End: t0.Add(8 * time.Hour), Active: true}}
}

func driver(id string, lat float64) model.Driver {
	return model.Driver{
		ID: id, Name: id, Status: model.DriverActive,
		Base:   model.Location{Address: "base-" + id, Lat: lat, Lng: 0},
		Skills: []string{"stairs"}, VehicleID: "v-" + id, VehicleCapacity: 10,
		Shifts: shiftFor(id),
	}
}

func testJob(id string) model.Job {
	return model.Job{
		ID: id, CustomerID: "c1",
		Pickup:      model.Location{Address: "pickup-" + id, Lat: 0, Lng: 0},
		Dropoff:     model.Location{Address: "dropoff-" + id, Lat: 0.1, Lng: 0},
		ScheduledAt: t0, Priority: model.PriorityStandard, ItemCount: 4,
		RequiredSkills: []string{"stairs"}, Status: model.JobPending,
	}
}

type harness struct {
	store   *store.Memory
	est     *fakeEstimator
	machine *assign.Machine
	engine  *Engine
}

func newHarness(t *testing.T, drivers ...model.Driver) *harness {
	t.Helper()
	ms := store.NewMemory()
	ctx := context.Background()
	for _, d := range drivers {
		require.NoError(t, ms.UpsertDriver(ctx, d))
	}
	require.NoError(t, ms.UpsertJob(ctx, testJob("j1")))
	est := &fakeEstimator{miles: map[string]float64{"pickup-j1": 10}, fail: map[string]bool{}, block: map[string]bool{}}
	m := assign.New(ms, assign.Options{Logger: quietLog, Now: func() time.Time { return t0.Add(-3 * time.Hour) }})
	e := NewEngine(Deps{
		Jobs: ms, Drivers: ms, History: ms, Assignments: ms,
		Estimator: est, Cost: estimate.RateCard{BaseFee: 20, PerMile: 2},
		Machine: m, Logger: quietLog,
	}, DefaultTunables())
	return &harness{store: ms, est: est, machine: m, engine: e}
}

func assignOpts() assign.OfferOptions { return assign.OfferOptions{} }
