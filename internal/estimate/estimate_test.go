package estimate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetopt/internal/model"
)

var (
	london     = model.Location{Address: "London", Lat: 51.5074, Lng: -0.1278}
	manchester = model.Location{Address: "Manchester", Lat: 53.4808, Lng: -2.2426}
)

func TestMiles(t *testing.T) {
	assert.InDelta(t, 163, Miles(london, manchester), 3)
	assert.Zero(t, Miles(london, london))
}

func TestHaversineDefaults(t *testing.T) {
	e, err := Haversine{}.Estimate(context.Background(), london, manchester)
	require.NoError(t, err)
	assert.InDelta(t, Miles(london, manchester)*1.3, e.DistanceMiles, 1e-9)
	assert.InDelta(t, e.DistanceMiles/25*60, e.DurationMinutes, 1e-9)
}

func TestRetryingRecovers(t *testing.T) {
	var calls int32
	flaky := EstimatorFunc(func(context.Context, model.Location, model.Location) (Estimate, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return Estimate{}, errors.New("503")
		}
		return Estimate{DistanceMiles: 4}, nil
	})
	e, err := Retrying{Next: flaky, Retries: 3, Initial: time.Millisecond, MaxDelay: time.Millisecond}.Estimate(context.Background(), london, manchester)
	require.NoError(t, err)
	assert.Equal(t, 4.0, e.DistanceMiles)
	assert.Equal(t, int32(3), calls)
}

func TestRetryingExhausted(t *testing.T) {
	var calls int32
	down := EstimatorFunc(func(context.Context, model.Location, model.Location) (Estimate, error) {
		atomic.AddInt32(&calls, 1)
		return Estimate{}, errors.New("timeout")
	})
	_, err := Retrying{Next: down, Retries: 2, Initial: time.Millisecond, MaxDelay: time.Millisecond}.Estimate(context.Background(), london, manchester)
	var eu *model.EstimationUnavailableError
	require.ErrorAs(t, err, &eu)
	assert.Equal(t, london.Key(), eu.From)
	assert.Equal(t, int32(3), calls)
}

func TestCachedHitsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	var calls int32
	next := EstimatorFunc(func(context.Context, model.Location, model.Location) (Estimate, error) {
		atomic.AddInt32(&calls, 1)
		return Estimate{DistanceMiles: 12, DurationMinutes: 30}, nil
	})
	c := Cached{Next: next, RDB: rdb, TTL: time.Hour}
	for i := 0; i < 3; i++ {
		e, err := c.Estimate(context.Background(), london, manchester)
		require.NoError(t, err)
		assert.Equal(t, 12.0, e.DistanceMiles)
	}
	assert.Equal(t, int32(1), calls)
	assert.True(t, mr.Exists("fleetopt:est:"+london.Key()+"|"+manchester.Key()))

	mr.Close()
	e, err := c.Estimate(context.Background(), london, manchester)
	require.NoError(t, err, "redis outage falls through")
	assert.Equal(t, 12.0, e.DistanceMiles)
}

func TestGoogleMapsDistanceMatrix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/maps/api/distancematrix/json", r.URL.Path)
		assert.Equal(t, "imperial", r.URL.Query().Get("units"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","origin_addresses":["a"],"destination_addresses":["b"],
"rows":[{"elements":[{"status":"OK","distance":{"text":"10 mi","value":16093},"duration":{"text":"20 mins","value":1200}}]}]}`))
	}))
	defer srv.Close()

	g, err := NewGoogleMaps("AIza-test", WithBaseURL(srv.URL), WithRPS(0))
	require.NoError(t, err)
	e, err := g.Estimate(context.Background(), london, manchester)
	require.NoError(t, err)
	assert.InDelta(t, 10, e.DistanceMiles, 0.01)
	assert.InDelta(t, 20, e.DurationMinutes, 0.01)
}

func TestGoogleMapsNoRouteIsPermanent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","origin_addresses":["a"],"destination_addresses":["b"],
"rows":[{"elements":[{"status":"ZERO_RESULTS"}]}]}`))
	}))
	defer srv.Close()

	g, err := NewGoogleMaps("AIza-test", WithBaseURL(srv.URL))
	require.NoError(t, err)
	r := Retrying{Next: g, Retries: 3, Initial: time.Millisecond}
	_, err = r.Estimate(context.Background(), london, manchester)
	var eu *model.EstimationUnavailableError
	require.ErrorAs(t, err, &eu)
	assert.Equal(t, int32(1), hits)
}

func TestRateCard(t *testing.T) {
	rc := RateCard{BaseFee: 20, PerMile: 2}
	c, _ := rc.Cost(context.Background(), model.Driver{}, model.Job{}, 5, 10)
	assert.Equal(t, 50.0, c)
	c, _ = rc.Cost(context.Background(), model.Driver{RateMultiplier: 1.5}, model.Job{}, 5, 10)
	assert.Equal(t, 75.0, c)
}
