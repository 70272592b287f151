package estimate

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
	"googlemaps.github.io/maps"

	"fleetopt/internal/model"
)

const metersPerMile = 1609.344

// GoogleMaps estimates driving distance with the Distance Matrix API.
type GoogleMaps struct {
	client  *maps.Client
	limiter *rate.Limiter
}

// GoogleOption customises the maps client.
type GoogleOption func(*googleOpts)

type googleOpts struct {
	baseURL string
	rps     float64
}

// WithBaseURL points the client at another endpoint, used by tests.
func WithBaseURL(u string) GoogleOption { return func(o *googleOpts) { o.baseURL = u } }

// WithRPS throttles outbound calls. Zero disables the throttle.
func WithRPS(rps float64) GoogleOption { return func(o *googleOpts) { o.rps = rps } }

// NewGoogleMaps creates a Distance Matrix estimator for the given API key.
func NewGoogleMaps(apiKey string, opts ...GoogleOption) (*GoogleMaps, error) {
	o := googleOpts{rps: 10}
	for _, fn := range opts {
		fn(&o)
	}
	copts := []maps.ClientOption{maps.WithAPIKey(apiKey)}
	if o.baseURL != "" {
		copts = append(copts, maps.WithBaseURL(o.baseURL))
	}
	client, err := maps.NewClient(copts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	g := &GoogleMaps{client: client}
	if o.rps > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(o.rps), int(o.rps)+1)
	}
	return g, nil
}

func (g *GoogleMaps) Estimate(ctx context.Context, from, to model.Location) (Estimate, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Estimate{}, err
		}
	}
	resp, err := g.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{placeOf(from)},
		Destinations: []string{placeOf(to)},
		Mode:         maps.TravelModeDriving,
		Units:        maps.UnitsImperial,
	})
	if err != nil {
		return Estimate{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return Estimate{}, backoff.Permanent(errors.New("no route found"))
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		// NOT_FOUND and ZERO_RESULTS will not change on retry
		return Estimate{}, backoff.Permanent(fmt.Errorf("no route found: %s", el.Status))
	}
	return Estimate{
		DistanceMiles:   float64(el.Distance.Meters) / metersPerMile,
		DurationMinutes: el.Duration.Minutes(),
	}, nil
}

func placeOf(l model.Location) string {
	if l.Lat != 0 || l.Lng != 0 {
		return l.Key()
	}
	if l.Postcode != "" && l.Address == "" {
		return l.Postcode
	}
	return l.Address
}
