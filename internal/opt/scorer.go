package opt

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"fleetopt/internal/estimate"
	"fleetopt/internal/metrics"
	"fleetopt/internal/model"
	"fleetopt/internal/store"
)

// DefaultWeights apply when no objective reweights the score.
var DefaultWeights = model.Weights{
	Distance:           0.20,
	Performance:        0.25,
	Availability:       0.20,
	SkillMatch:         0.15,
	Cost:               0.10,
	CustomerPreference: 0.10,
}

// WeightsFor returns normalized weights for the objective set.
func WeightsFor(objs []model.Objective) model.Weights {
	w := DefaultWeights
	if model.HasObjective(objs, model.MinimizeCost) {
		w.Cost = 0.30
		w.Performance = 0.20
	}
	if model.HasObjective(objs, model.MaximizeSatisfaction) {
		w.Performance = 0.30
		w.CustomerPreference = 0.20
	}
	sum := w.Sum()
	return model.Weights{
		Distance:           w.Distance / sum,
		Performance:        w.Performance / sum,
		Availability:       w.Availability / sum,
		SkillMatch:         w.SkillMatch / sum,
		Cost:               w.Cost / sum,
		CustomerPreference: w.CustomerPreference / sum,
	}
}

// Scorer computes DriverScores for eligible candidates.
type Scorer struct {
	Estimator estimate.Estimator
	Cost      estimate.CostModel
	History   store.HistoryRepository
	Tunables  Tunables
	Logger    *slog.Logger
}

// ScoreInput is everything scoring needs besides the candidates.
type ScoreInput struct {
	Job         model.Job
	Constraints model.Constraints
	Objectives  []model.Objective
	JobMiles    float64
}

// ScoreAll scores candidates in parallel. When ctx ends early it returns the scores finished so
// far, in candidate order, together with ctx.Err().
func (s *Scorer) ScoreAll(ctx context.Context, in ScoreInput, cands []model.Driver) ([]model.DriverScore, error) {
	if len(cands) == 0 {
		return nil, nil
	}
	w := WeightsFor(in.Objectives)
	results := make([]model.DriverScore, len(cands))
	done := make([]bool, len(cands))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(min(len(cands), max(1, s.Tunables.MaxConcurrency)))
	for i, d := range cands {
		if ctx.Err() != nil {
			break
		}
		i, d := i, d
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			ds := s.Score(ctx, in, d, w)
			if ctx.Err() != nil {
				// the estimate may have been cut short; do not trust it
				return nil
			}
			mu.Lock()
			results[i], done[i] = ds, true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.DriverScore, 0, len(cands))
	for i := range results {
		if done[i] {
			out = append(out, results[i])
		}
	}
	metrics.CandidatesScored.Observe(float64(len(out)))
	return out, ctx.Err()
}

// Score computes one candidate. Estimation failures degrade the candidate instead of failing.
func (s *Scorer) Score(ctx context.Context, in ScoreInput, d model.Driver, w model.Weights) model.DriverScore {
	t := s.Tunables.withDefaults()
	ds := model.DriverScore{DriverID: d.ID}

	maxDist := in.Constraints.MaxDistanceMiles
	if maxDist <= 0 {
		maxDist = t.DefaultMaxDistanceMiles
	}
	est, err := s.Estimator.Estimate(ctx, d.Base, in.Job.Pickup)
	if err == nil {
		ds.DistanceMiles = est.DistanceMiles
		ds.Factors.Distance = clamp01(1 - est.DistanceMiles/maxDist)
		cost, cerr := s.Cost.Cost(ctx, d, in.Job, est.DistanceMiles, in.JobMiles)
		if cerr == nil {
			ds.EstimatedCost = cost
			ds.Factors.Cost = clamp01(1 - cost/t.CostBaseline)
		} else {
			err = cerr
		}
	}
	if err != nil {
		ds.Degraded = true
		ds.Factors.Distance, ds.Factors.Cost, ds.EstimatedCost = 0, 0, 0
		metrics.DegradedScores.Inc()
		s.log().Warn("scoring candidate in degraded mode", "job", in.Job.ID, "driver", d.ID, "err", err)
	}

	ds.Factors.Performance = s.performance(ctx, d.ID, t)
	ds.Factors.Availability = Availability(d, in.Job.Window())
	ds.Factors.SkillMatch = SkillMatch(d, RequiredSkills(in.Job, in.Constraints))
	ds.Factors.CustomerPreference = s.affinity(ctx, d.ID, in.Job.CustomerID, t)
	ds.Score = w.Apply(ds.Factors)
	ds.Tradeoffs = tradeoffs(ds)
	return ds
}

func (s *Scorer) performance(ctx context.Context, driverID string, t Tunables) float64 {
	if s.History == nil {
		return t.NeutralPerformance
	}
	v, ok, err := s.History.DriverPerformance(ctx, driverID)
	if err != nil {
		s.log().Warn("driver performance lookup failed", "driver", driverID, "err", err)
		return t.NeutralPerformance
	}
	if !ok {
		return t.NeutralPerformance
	}
	return clamp01(v)
}

func (s *Scorer) affinity(ctx context.Context, driverID, customerID string, t Tunables) float64 {
	if s.History == nil || customerID == "" {
		return t.NeutralAffinity
	}
	v, ok, err := s.History.CustomerAffinity(ctx, driverID, customerID)
	if err != nil {
		s.log().Warn("customer affinity lookup failed", "driver", driverID, "customer", customerID, "err", err)
		return t.NeutralAffinity
	}
	if !ok {
		return t.NeutralAffinity
	}
	return clamp01(v)
}

func (s *Scorer) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Availability is 0.9 plus up to 0.1 of slack when an active shift covers w, 0.5 when shifts
// only partly overlap it, and 0 otherwise.
func Availability(d model.Driver, w model.TimeWindow) float64 {
	best := 0.0
	for _, s := range d.Shifts {
		if !s.Active {
			continue
		}
		sw := s.Window()
		switch {
		case sw.Covers(w):
			slack := min(w.Start.Sub(sw.Start), sw.End.Sub(w.End)).Hours()
			best = max(best, 0.9+0.1*clamp01(slack/2))
		case sw.Overlaps(w):
			best = max(best, 0.5)
		}
	}
	return best
}

// RequiredSkills merges job and constraint skills case-insensitively.
func RequiredSkills(j model.Job, c model.Constraints) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range append(append([]string(nil), j.RequiredSkills...), c.RequiredSkills...) {
		k := strings.ToLower(strings.TrimSpace(s))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// SkillMatch is the fraction of required skills the driver declares, 1 when none are required.
func SkillMatch(d model.Driver, required []string) float64 {
	if len(required) == 0 {
		return 1
	}
	n := 0
	for _, s := range required {
		if d.HasSkill(s) {
			n++
		}
	}
	return float64(n) / float64(len(required))
}

func tradeoffs(ds model.DriverScore) []string {
	var out []string
	if ds.Degraded {
		out = append(out, "Distance and cost unavailable")
	}
	if ds.Factors.Distance < 0.5 {
		out = append(out, "Longer travel distance")
	}
	if ds.Factors.Performance < 0.8 {
		out = append(out, "Lower performance rating")
	}
	if ds.Factors.Cost < 0.5 {
		out = append(out, "Higher cost")
	}
	if ds.Factors.SkillMatch < 1 {
		out = append(out, "Missing required skills")
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
