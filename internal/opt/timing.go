package opt

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fleetopt/internal/metrics"
	"fleetopt/internal/model"
)

// timed logs and measures an engine operation. Use as: defer timed(ctx, log, "assign")(&err).
func timed(ctx context.Context, logger *slog.Logger, op string, attrs ...any) func(*error) {
	start := time.Now()
	return func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		elapsed := time.Since(start)
		outcome := outcomeOf(err)
		metrics.OptimizationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
		metrics.Optimizations.WithLabelValues(op, outcome).Inc()
		args := append([]any{"op", op, "outcome", outcome, "duration", elapsed}, attrs...)
		switch outcome {
		case "ok", "no_eligible", "conflict", "not_found":
			logger.InfoContext(ctx, "engine operation", args...)
		default:
			logger.WarnContext(ctx, "engine operation", append(args, "err", err)...)
		}
	}
}

func outcomeOf(err error) string {
	var ne *model.NoEligibleDriverError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ne):
		return "no_eligible"
	case model.IsConflict(err, ""):
		return "conflict"
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrNoDecision):
		return "no_decision"
	}
	return "error"
}
