// Package opt matches drivers to jobs and plans fleet capacity.
package opt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetopt/internal/assign"
	"fleetopt/internal/estimate"
	"fleetopt/internal/metrics"
	"fleetopt/internal/model"
	"fleetopt/internal/store"
)

const maxAlternatives = 3

const (
	recAdjustWindow = "Consider adjusting time window for better driver availability"
	recMultiple     = "Multiple high-quality drivers available - consider customer preference"
	recFar          = "Driver is far from pickup location - consider local alternatives"
	recHighCost     = "Estimated cost exceeds threshold - review pricing"
	recDegraded     = "Some candidates scored without distance or cost; estimator unavailable"
	recApproxRoute  = "Route distance approximated; distance service unavailable"
)

// Deps are the engine's collaborators.
type Deps struct {
	Jobs        store.JobRepository
	Drivers     store.DriverRepository
	History     store.HistoryRepository
	Assignments store.AssignmentRepository
	Estimator   estimate.Estimator
	// Fallback estimates job miles when Estimator fails. Defaults to straight-line.
	Fallback  estimate.Estimator
	Cost      estimate.CostModel
	Machine   *assign.Machine
	Decisions *DecisionLog
	Logger    *slog.Logger
}

// Engine runs the three optimization operations. It is safe for concurrent use.
type Engine struct {
	d Deps

	mu sync.RWMutex
	t  Tunables
}

func NewEngine(d Deps, t Tunables) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Fallback == nil {
		d.Fallback = estimate.Haversine{}
	}
	if d.Decisions == nil {
		d.Decisions = NewDecisionLog(0)
	}
	return &Engine{d: d, t: t.withDefaults()}
}

// SetTunables swaps the knobs used by subsequent requests.
func (e *Engine) SetTunables(t Tunables) {
	e.mu.Lock()
	e.t = t.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) Tunables() Tunables {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.t
}

func (e *Engine) Decisions() *DecisionLog { return e.d.Decisions }

// AssignmentRequest is the input to OptimizeAssignment.
type AssignmentRequest struct {
	JobID string
	// DriverID restricts the choice to one driver (dispatcher override).
	DriverID    string
	Constraints model.Constraints
	Objectives  []model.Objective
	Exclude     []string
	// Supersede replaces a pending offer on the job.
	Supersede bool
}

// OptimizeAssignment scores eligible drivers, reserves the best available one and returns the
// plan. On deadline it returns the best result so far with Partial set and reserves nothing, or
// ErrNoDecision when nothing was scored.
func (e *Engine) OptimizeAssignment(ctx context.Context, req AssignmentRequest) (res model.AssignmentResult, err error) {
	t := e.Tunables()
	start := time.Now()
	defer timed(ctx, e.d.Logger, "assign", "job", req.JobID)(&err)

	job, err := e.d.Jobs.GetJob(ctx, req.JobID)
	if err != nil {
		return res, err
	}
	exclude := map[string]bool{}
	for _, id := range req.Exclude {
		exclude[id] = true
	}
	filter := EligibilityFilter{Drivers: e.d.Drivers, MaxCandidates: t.MaxCandidates}
	cands, err := filter.Candidates(ctx, EligibilityRequest{Job: job, Constraints: req.Constraints, Exclude: exclude, Only: req.DriverID})
	if err != nil {
		return res, err
	}
	if len(cands) == 0 {
		err = &model.NoEligibleDriverError{JobID: job.ID, Reason: noEligibleReason(req)}
		e.record(start, Decision{Op: "assign", JobID: job.ID, Outcome: outcomeOf(err), Detail: err.Error()})
		return res, err
	}

	jobMiles, approx := e.jobMiles(ctx, job)
	scorer := &Scorer{Estimator: e.d.Estimator, Cost: e.d.Cost, History: e.d.History, Tunables: t, Logger: e.d.Logger}
	in := ScoreInput{Job: job, Constraints: req.Constraints, Objectives: req.Objectives, JobMiles: jobMiles}
	scores, serr := scorer.ScoreAll(ctx, in, cands)
	if serr != nil && len(scores) == 0 {
		err = fmt.Errorf("%w: %v", model.ErrNoDecision, serr)
		e.record(start, Decision{Op: "assign", JobID: job.ID, Outcome: outcomeOf(err), Candidates: len(cands)})
		return res, err
	}
	ranked := Rank(scores, req.Objectives)

	if serr != nil {
		res = e.result(job, ranked, ranked[0], req, jobMiles, approx, t)
		res.Partial = true
		e.record(start, Decision{Op: "assign", JobID: job.ID, DriverID: ranked[0].DriverID, Outcome: "partial",
			Score: res.OptimizationScore, Confidence: res.Confidence, Candidates: len(cands), Scores: ranked})
		return res, nil
	}

	var chosen model.DriverScore
	var offered model.Assignment
	for _, ds := range ranked {
		offered, err = e.d.Machine.Offer(ctx, job.ID, ds.DriverID, assign.OfferOptions{Supersede: req.Supersede, TTL: t.OfferTTL})
		if model.IsConflict(err, model.ConflictDriverBusy) {
			e.d.Logger.Info("candidate busy, trying next", "job", job.ID, "driver", ds.DriverID)
			continue
		}
		if err != nil {
			e.record(start, Decision{Op: "assign", JobID: job.ID, DriverID: ds.DriverID, Outcome: outcomeOf(err), Candidates: len(cands), Scores: ranked, Detail: err.Error()})
			return model.AssignmentResult{}, err
		}
		chosen = ds
		break
	}
	if chosen.DriverID == "" {
		err = &model.NoEligibleDriverError{JobID: job.ID, Reason: "all candidates busy"}
		e.record(start, Decision{Op: "assign", JobID: job.ID, Outcome: outcomeOf(err), Candidates: len(cands), Scores: ranked})
		return model.AssignmentResult{}, err
	}

	res = e.result(job, ranked, chosen, req, jobMiles, approx, t)
	res.Assignment = &offered
	e.record(start, Decision{Op: "assign", JobID: job.ID, DriverID: chosen.DriverID, Outcome: "ok",
		Score: res.OptimizationScore, Confidence: res.Confidence, Candidates: len(cands), Scores: ranked})
	return res, nil
}

func noEligibleReason(req AssignmentRequest) string {
	if req.DriverID != "" {
		return "requested driver " + req.DriverID + " is not eligible"
	}
	return "no driver available, job requires manual dispatch"
}

// jobMiles estimates pickup to dropoff, falling back to the straight-line estimate.
func (e *Engine) jobMiles(ctx context.Context, job model.Job) (float64, bool) {
	est, err := e.d.Estimator.Estimate(ctx, job.Pickup, job.Dropoff)
	if err == nil {
		return est.DistanceMiles, false
	}
	e.d.Logger.Warn("job distance unavailable, approximating", "job", job.ID, "err", err)
	fb, ferr := e.d.Fallback.Estimate(ctx, job.Pickup, job.Dropoff)
	if ferr != nil {
		return 0, true
	}
	return fb.DistanceMiles, true
}

func (e *Engine) result(job model.Job, ranked []model.DriverScore, chosen model.DriverScore, req AssignmentRequest,
	jobMiles float64, approx bool, t Tunables) model.AssignmentResult {
	res := model.AssignmentResult{
		JobID:        job.ID,
		Route:        BuildRoute(job, chosen, jobMiles, approx),
		Alternatives: []model.Alternative{},
		Scores:       ranked,
	}
	for _, ds := range ranked {
		if ds.DriverID == chosen.DriverID {
			continue
		}
		if len(res.Alternatives) == maxAlternatives {
			break
		}
		res.Alternatives = append(res.Alternatives, model.Alternative{DriverID: ds.DriverID, Score: ds.Score, Tradeoffs: nonNil(ds.Tradeoffs)})
	}
	res.OptimizationScore = optimizationScore(job, chosen, req)
	res.Recommendations = recommend(chosen, res.Alternatives, ranked, approx, t)
	res.Confidence = confidence(ranked, chosen, res.OptimizationScore)
	return res
}

func optimizationScore(job model.Job, chosen model.DriverScore, req AssignmentRequest) float64 {
	s := chosen.Score
	prio := job.Priority
	if req.Constraints.Priority != "" {
		prio = req.Constraints.Priority
	}
	if prio == model.PriorityUrgent && chosen.Factors.Availability > 0.9 {
		s += 0.1
	}
	if model.HasObjective(req.Objectives, model.MaximizeSatisfaction) && chosen.Factors.Performance > 0.9 {
		s += 0.1
	}
	return min(1, s)
}

func recommend(chosen model.DriverScore, alts []model.Alternative, ranked []model.DriverScore, approx bool, t Tunables) []string {
	out := []string{}
	if chosen.Score < 0.7 {
		out = append(out, recAdjustWindow)
	}
	if len(alts) > 0 && alts[0].Score > 0.95*chosen.Score {
		out = append(out, recMultiple)
	}
	if !chosen.Degraded && chosen.Factors.Distance < 0.5 {
		out = append(out, recFar)
	}
	if chosen.EstimatedCost > t.HighCostThreshold {
		out = append(out, recHighCost)
	}
	for _, ds := range ranked {
		if ds.Degraded {
			out = append(out, recDegraded)
			break
		}
	}
	if approx {
		out = append(out, recApproxRoute)
	}
	return out
}

func confidence(ranked []model.DriverScore, chosen model.DriverScore, optScore float64) float64 {
	c := 0.8
	sum := 0.0
	for _, ds := range ranked {
		sum += ds.Score
	}
	if avg := sum / float64(len(ranked)); chosen.Score > 1.2*avg {
		c += 0.1
	}
	if optScore > 0.8 {
		c += 0.1
	}
	if len(ranked) < 3 {
		c -= 0.1
	}
	return max(0.5, min(1, c))
}

// Reoffer runs a new selection for a job, excluding every driver who declined or let an offer
// on it expire. A job that is no longer pending is left alone.
func (e *Engine) Reoffer(ctx context.Context, jobID string) (model.AssignmentResult, error) {
	job, err := e.d.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return model.AssignmentResult{}, err
	}
	if job.Status != model.JobPending && job.Status != "" {
		return model.AssignmentResult{}, &model.ConflictError{JobID: jobID, Reason: model.ConflictJobReserved}
	}
	history, err := e.d.Assignments.ListForJob(ctx, jobID)
	if err != nil {
		return model.AssignmentResult{}, err
	}
	var exclude []string
	for _, a := range history {
		if a.Status == model.StatusDeclined || a.Status == model.StatusExpired {
			exclude = append(exclude, a.DriverID)
		}
	}
	return e.OptimizeAssignment(ctx, AssignmentRequest{JobID: jobID, Exclude: exclude})
}

// HandleRelease is the assignment machine's release hook.
func (e *Engine) HandleRelease(ctx context.Context, a model.Assignment) {
	ctx, cancel := context.WithTimeout(ctx, e.Tunables().ReleaseTimeout)
	defer cancel()
	res, err := e.Reoffer(ctx, a.JobID)
	var ne *model.NoEligibleDriverError
	switch {
	case err == nil:
		e.d.Logger.Info("job re-offered", "job", a.JobID, "released", a.DriverID, "driver", res.Route.DriverID)
	case errors.As(err, &ne):
		e.d.Logger.Warn("job requires manual dispatch", "job", a.JobID, "released", a.DriverID)
	case model.IsConflict(err, ""):
		e.d.Logger.Info("re-offer skipped, job already handled", "job", a.JobID)
	default:
		e.d.Logger.Error("re-offer failed", "job", a.JobID, "err", err)
	}
}

// OptimizeFleetUtilization reports utilization and recommendations over w. It writes nothing.
func (e *Engine) OptimizeFleetUtilization(ctx context.Context, w model.TimeWindow) (rep model.FleetReport, err error) {
	start := time.Now()
	defer timed(ctx, e.d.Logger, "utilization")(&err)
	rep, err = UtilizationAnalyzer{Drivers: e.d.Drivers, Assignments: e.d.Assignments}.Analyze(ctx, w)
	if err != nil {
		return rep, err
	}
	metrics.FleetUtilization.Set(rep.CurrentUtilization)
	e.record(start, Decision{Op: "utilization", Outcome: "ok", Score: rep.CurrentUtilization, Candidates: len(rep.Drivers),
		Detail: fmt.Sprintf("optimized %.2f with %d recommendations", rep.OptimizedUtilization, len(rep.Recommendations))})
	return rep, nil
}

// OptimizeResourceAllocation plans one driver per job, deduplicated across the batch.
func (e *Engine) OptimizeResourceAllocation(ctx context.Context, jobIDs []string) (out []model.ResourceAllocation, err error) {
	start := time.Now()
	defer timed(ctx, e.d.Logger, "allocate", "jobs", len(jobIDs))(&err)
	t := e.Tunables()
	alloc := Allocator{
		Jobs:   e.d.Jobs,
		Filter: EligibilityFilter{Drivers: e.d.Drivers, MaxCandidates: t.MaxCandidates},
		Logger: e.d.Logger,
	}
	out, err = alloc.Allocate(ctx, jobIDs)
	if err != nil {
		return nil, err
	}
	e.record(start, Decision{Op: "allocate", Outcome: "ok", Candidates: len(jobIDs),
		Detail: fmt.Sprintf("%d of %d jobs allocated", len(out), len(jobIDs))})
	return out, nil
}

func (e *Engine) record(start time.Time, d Decision) {
	d.At = time.Now().UTC()
	d.DurationMs = time.Since(start).Milliseconds()
	e.d.Decisions.Record(d)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
