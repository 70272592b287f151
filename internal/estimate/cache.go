package estimate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetopt/internal/model"
)

// Cached memoises estimates in Redis. Redis failures fall through to Next.
type Cached struct {
	Next   Estimator
	RDB    *redis.Client
	TTL    time.Duration
	Prefix string
	Logger *slog.Logger
}

func (c Cached) key(from, to model.Location) string {
	p := c.Prefix
	if p == "" {
		p = "fleetopt:est"
	}
	return p + ":" + from.Key() + "|" + to.Key()
}

func (c Cached) Estimate(ctx context.Context, from, to model.Location) (Estimate, error) {
	k := c.key(from, to)
	raw, err := c.RDB.Get(ctx, k).Bytes()
	switch {
	case err == nil:
		var e Estimate
		if json.Unmarshal(raw, &e) == nil {
			return e, nil
		}
	case !errors.Is(err, redis.Nil):
		c.warn("estimate cache read failed", k, err)
	}
	e, err := c.Next.Estimate(ctx, from, to)
	if err != nil {
		return Estimate{}, err
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	b, _ := json.Marshal(e)
	if err := c.RDB.Set(ctx, k, b, ttl).Err(); err != nil {
		c.warn("estimate cache write failed", k, err)
	}
	return e, nil
}

func (c Cached) warn(msg, key string, err error) {
	if c.Logger != nil {
		c.Logger.Warn(msg, "key", key, "err", err)
	}
}
