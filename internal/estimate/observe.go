package estimate

import (
	"context"

	"fleetopt/internal/metrics"
	"fleetopt/internal/model"
)

// Observe counts calls to next by result under the provider label.
func Observe(provider string, next Estimator) Estimator {
	return EstimatorFunc(func(ctx context.Context, from, to model.Location) (Estimate, error) {
		e, err := next.Estimate(ctx, from, to)
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.EstimatorCalls.WithLabelValues(provider, result).Inc()
		return e, err
	})
}
