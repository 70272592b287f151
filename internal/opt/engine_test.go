package opt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetopt/internal/model"
)

func TestOptimizeAssignmentReservesBest(t *testing.T) {
	h := newHarness(t, driver("d1", 0.05), driver("d2", 0.2), driver("d3", 0.4), driver("d4", 0.6), driver("d5", 0.9))
	h.est.miles["base-d1"] = 3
	h.est.miles["base-d2"] = 14
	h.est.miles["base-d3"] = 28
	h.est.miles["base-d4"] = 40
	h.est.miles["base-d5"] = 60
	ctx := context.Background()

	res, err := h.engine.OptimizeAssignment(ctx, AssignmentRequest{JobID: "j1"})
	require.NoError(t, err)
	h.machine.Wait()

	assert.Equal(t, "d1", res.Route.DriverID)
	require.NotNil(t, res.Assignment)
	assert.Equal(t, model.StatusInvited, res.Assignment.Status)
	assert.Equal(t, 1, res.Assignment.Round)
	assert.False(t, res.Partial)

	// 10 miles * 3 + 4 items * 5 + 60
	assert.Equal(t, 110.0, res.Route.DurationMinutes)
	require.Len(t, res.Route.Waypoints, 2)
	assert.Equal(t, t0, res.Route.Waypoints[0].ArrivalAt)
	assert.Equal(t, 30, res.Route.Waypoints[0].ServiceMinutes)
	assert.Equal(t, t0.Add(110*time.Minute), res.Route.Waypoints[1].ArrivalAt)
	assert.Equal(t, 45, res.Route.Waypoints[1].ServiceMinutes)
	// 20 + 2 * (3 + 10)
	assert.Equal(t, 46.0, res.Route.Cost)

	require.Len(t, res.Alternatives, 3)
	for _, a := range res.Alternatives {
		assert.NotEqual(t, "d1", a.DriverID)
	}
	assert.Equal(t, "d2", res.Alternatives[0].DriverID)
	assert.Contains(t, res.Alternatives[2].Tradeoffs, "Longer travel distance")
	assert.GreaterOrEqual(t, res.Confidence, 0.5)
	assert.LessOrEqual(t, res.Confidence, 1.0)

	job, _ := h.store.GetJob(ctx, "j1")
	assert.Equal(t, "d1", job.ProvisionalDriverID)
	assert.Empty(t, job.ConfirmedDriverID)

	decisions := h.engine.Decisions().List("j1", 10)
	require.Len(t, decisions, 1)
	assert.Equal(t, "ok", decisions[0].Outcome)
	assert.Equal(t, "d1", decisions[0].DriverID)
}

func TestOptimizeAssignmentNotFound(t *testing.T) {
	h := newHarness(t, driver("d1", 0))
	_, err := h.engine.OptimizeAssignment(context.Background(), AssignmentRequest{JobID: "nope"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestOptimizeAssignmentNoEligible(t *testing.T) {
	off := driver("d1", 0)
	off.Status = model.DriverInactive
	h := newHarness(t, off)
	res, err := h.engine.OptimizeAssignment(context.Background(), AssignmentRequest{JobID: "j1"})
	var ne *model.NoEligibleDriverError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "j1", ne.JobID)
	assert.Nil(t, res.Assignment)
	_, ok, _ := h.store.CurrentForJob(context.Background(), "j1")
	assert.False(t, ok)
}

func TestOptimizeAssignmentDriverOverride(t *testing.T) {
	h := newHarness(t, driver("d1", 0), driver("d2", 0.5))
	res, err := h.engine.OptimizeAssignment(context.Background(), AssignmentRequest{JobID: "j1", DriverID: "d2"})
	require.NoError(t, err)
	assert.Equal(t, "d2", res.Route.DriverID)
	assert.Empty(t, res.Alternatives)

	_, err = h.engine.OptimizeAssignment(context.Background(), AssignmentRequest{JobID: "j1", DriverID: "ghost", Supersede: true})
	var ne *model.NoEligibleDriverError
	assert.ErrorAs(t, err, &ne)
}

func TestConcurrentOptimizeSameDriver(t *testing.T) {
	h := newHarness(t, driver("x", 0))
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.OptimizeAssignment(context.Background(), AssignmentRequest{JobID: "j1"})
		}()
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case model.IsConflict(err, model.ConflictJobReserved):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)
	all, _ := h.store.ListForJob(context.Background(), "j1")
	assert.Len(t, all, 1)
}

func TestBusyDriverFallsThrough(t *testing.T) {
	h := newHarness(t, driver("d1", 0), driver("d2", 0.3))
	h.est.miles["base-d1"] = 1
	h.est.miles["base-d2"] = 20
	ctx := context.Background()
	other := testJob("j2")
	other.ScheduledAt = t0.Add(time.Hour)
	require.NoError(t, h.store.UpsertJob(ctx, other))
	_, err := h.machine.Offer(ctx, "j2", "d1", assignOpts())
	require.NoError(t, err)

	res, err := h.engine.OptimizeAssignment(ctx, AssignmentRequest{JobID: "j1"})
	require.NoError(t, err)
	assert.Equal(t, "d2", res.Route.DriverID)
	h.machine.Wait()
}

func TestDegradedCandidate(t *testing.T) {
	h := newHarness(t, driver("d1", 0), driver("d2", 0.1))
	h.est.fail["base-d1"] = true
	h.est.miles["base-d2"] = 5
	res, err := h.engine.OptimizeAssignment(context.Background(), AssignmentRequest{JobID: "j1", Objectives: []model.Objective{model.MinimizeCost}})
	require.NoError(t, err)
	assert.Equal(t, "d2", res.Route.DriverID)
	assert.Contains(t, res.Recommendations, recDegraded)

	var degraded model.DriverScore
	for _, s := range res.Scores {
		if s.DriverID == "d1" {
			degraded = s
		}
	}
	assert.True(t, degraded.Degraded)
	assert.Zero(t, degraded.Factors.Distance)
	assert.Zero(t, degraded.Factors.Cost)
	assert.Equal(t, "d1", res.Scores[len(res.Scores)-1].DriverID)
	h.machine.Wait()
}

func TestApproximateRoute(t *testing.T) {
	h := newHarness(t, driver("d1", 0))
	h.est.fail["pickup-j1"] = true
	res, err := h.engine.OptimizeAssignment(context.Background(), AssignmentRequest{JobID: "j1"})
	require.NoError(t, err)
	assert.True(t, res.Route.Approximate)
	assert.Greater(t, res.Route.DistanceMiles, 0.0)
	assert.Contains(t, res.Recommendations, recApproxRoute)
	h.machine.Wait()
}

func TestTimeoutWithNothingScored(t *testing.T) {
	h := newHarness(t, driver("d1", 0))
	h.est.block["base-d1"] = true
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.engine.OptimizeAssignment(ctx, AssignmentRequest{JobID: "j1"})
	assert.ErrorIs(t, err, model.ErrNoDecision)
	_, ok, _ := h.store.CurrentForJob(context.Background(), "j1")
	assert.False(t, ok)
}

func TestTimeoutReturnsPartial(t *testing.T) {
	h := newHarness(t, driver("d1", 0), driver("d2", 0.5))
	tun := DefaultTunables()
	tun.MaxConcurrency = 1
	h.engine.SetTunables(tun)
	h.est.block["base-d2"] = true
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := h.engine.OptimizeAssignment(ctx, AssignmentRequest{JobID: "j1"})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Nil(t, res.Assignment)
	assert.Equal(t, "d1", res.Route.DriverID)
	_, ok, _ := h.store.CurrentForJob(context.Background(), "j1")
	assert.False(t, ok, "partial results reserve nothing")
}

func TestReofferAfterDecline(t *testing.T) {
	h := newHarness(t, driver("d1", 0), driver("d2", 0.3))
	h.est.miles["base-d1"] = 1
	h.est.miles["base-d2"] = 20
	h.machine.OnRelease(h.engine.HandleRelease)
	ctx := context.Background()

	res, err := h.engine.OptimizeAssignment(ctx, AssignmentRequest{JobID: "j1"})
	require.NoError(t, err)
	require.Equal(t, "d1", res.Route.DriverID)

	_, err = h.machine.Decline(ctx, res.Assignment.ID, "d1")
	require.NoError(t, err)
	h.machine.Wait()

	cur, ok, err := h.store.CurrentForJob(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "d2", cur.DriverID)
	assert.Equal(t, 2, cur.Round)

	// d2 declines too; nobody is left
	_, err = h.machine.Decline(ctx, cur.ID, "d2")
	require.NoError(t, err)
	h.machine.Wait()
	_, ok, _ = h.store.CurrentForJob(ctx, "j1")
	assert.False(t, ok)
	var ne *model.NoEligibleDriverError
	_, err = h.engine.Reoffer(ctx, "j1")
	assert.True(t, errors.As(err, &ne))
}

func TestReofferSkipsConfirmedJob(t *testing.T) {
	h := newHarness(t, driver("d1", 0))
	ctx := context.Background()
	res, err := h.engine.OptimizeAssignment(ctx, AssignmentRequest{JobID: "j1"})
	require.NoError(t, err)
	_, err = h.machine.Accept(ctx, res.Assignment.ID, "d1")
	require.NoError(t, err)
	_, err = h.engine.Reoffer(ctx, "j1")
	assert.True(t, model.IsConflict(err, model.ConflictJobReserved))
	h.machine.Wait()
}
