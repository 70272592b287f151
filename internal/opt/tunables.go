package opt

import "time"

// Tunables are the engine knobs loaded from config and swappable at runtime.
type Tunables struct {
	CostBaseline            float64
	DefaultMaxDistanceMiles float64
	NeutralPerformance      float64
	NeutralAffinity         float64
	MaxConcurrency          int
	MaxCandidates           int
	HighCostThreshold       float64
	OfferTTL                time.Duration
	// ReleaseTimeout bounds a re-offer started by a decline or expiry.
	ReleaseTimeout time.Duration
}

func DefaultTunables() Tunables {
	return Tunables{
		CostBaseline:            200,
		DefaultMaxDistanceMiles: 50,
		NeutralPerformance:      0.8,
		NeutralAffinity:         0.8,
		MaxConcurrency:          8,
		MaxCandidates:           50,
		HighCostThreshold:       150,
		OfferTTL:                30 * time.Minute,
		ReleaseTimeout:          10 * time.Second,
	}
}

// withDefaults fills zero values so a partially populated Tunables is usable.
func (t Tunables) withDefaults() Tunables {
	d := DefaultTunables()
	if t.CostBaseline <= 0 {
		t.CostBaseline = d.CostBaseline
	}
	if t.DefaultMaxDistanceMiles <= 0 {
		t.DefaultMaxDistanceMiles = d.DefaultMaxDistanceMiles
	}
	if t.NeutralPerformance <= 0 {
		t.NeutralPerformance = d.NeutralPerformance
	}
	if t.NeutralAffinity <= 0 {
		t.NeutralAffinity = d.NeutralAffinity
	}
	if t.MaxConcurrency <= 0 {
		t.MaxConcurrency = d.MaxConcurrency
	}
	if t.MaxCandidates <= 0 {
		t.MaxCandidates = d.MaxCandidates
	}
	if t.HighCostThreshold <= 0 {
		t.HighCostThreshold = d.HighCostThreshold
	}
	if t.OfferTTL <= 0 {
		t.OfferTTL = d.OfferTTL
	}
	if t.ReleaseTimeout <= 0 {
		t.ReleaseTimeout = d.ReleaseTimeout
	}
	return t
}
