package estimate

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fleetopt/internal/model"
)

// Retrying retries a flaky estimator with exponential backoff and reports exhaustion
// as model.EstimationUnavailableError.
type Retrying struct {
	Next     Estimator
	Retries  uint64
	Initial  time.Duration
	MaxDelay time.Duration
	Logger   *slog.Logger
}

func (r Retrying) Estimate(ctx context.Context, from, to model.Location) (Estimate, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.Initial
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 100 * time.Millisecond
	}
	eb.MaxInterval = r.MaxDelay
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = 2 * time.Second
	}
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, r.Retries), ctx)

	var out Estimate
	op := func() error {
		e, err := r.Next.Estimate(ctx, from, to)
		if err != nil {
			return err
		}
		out = e
		return nil
	}
	notify := func(err error, wait time.Duration) {
		if r.Logger != nil {
			r.Logger.Debug("estimate retry", "from", from.Key(), "to", to.Key(), "wait", wait, "err", err)
		}
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return Estimate{}, &model.EstimationUnavailableError{From: from.Key(), To: to.Key(), Err: err}
	}
	return out, nil
}
