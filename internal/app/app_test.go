package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetopt/internal/api"
	"fleetopt/internal/config"
	"fleetopt/internal/estimate"
	"fleetopt/internal/model"
	"fleetopt/internal/notify"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

const fixtures = `
drivers:
  - id: d1
    base: {address: depot, lat: 0.01, lng: 0}
    skills: [stairs]
    vehicleCapacity: 10
    shifts:
      - {id: s1, start: 2026-03-02T06:00:00Z, end: 2026-03-02T20:00:00Z, active: true}
jobs:
  - id: j1
    customerId: c1
    pickup: {address: a, lat: 0, lng: 0}
    dropoff: {address: b, lat: 0.1, lng: 0}
    scheduledAt: 2026-03-02T12:00:00Z
    itemCount: 1
`

func TestNewInMemoryWithFixtures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtures), 0o600))
	cfg := config.Default()
	cfg.Fixtures.Path = path

	a, err := New(context.Background(), cfg, "", quietLog)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	_, err = a.Store.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.IsType(t, &api.Broker{}, a.Server.Broker)
	assert.Equal(t, "haversine", a.Server.Settings["estimator"])
	assert.Equal(t, cfg.Engine.MaxCandidates, a.Engine.Tunables().MaxCandidates)
	assert.Equal(t, 30*time.Minute, a.Engine.Tunables().OfferTTL)
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Redis.Prefix = "dispatch"
	cfg.NATS.Prefix = "elsewhere"

	a, err := New(context.Background(), cfg, "", quietLog)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.IsType(t, &api.RedisBroker{}, a.Server.Broker)

	ctx := context.Background()
	sub := a.Redis.Subscribe(ctx, "dispatch:driver:d1:offers")
	t.Cleanup(func() { _ = sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Server.Broker.Publish(ctx, "d1", notify.Notification{Type: model.EventAssignmentOffered}))
	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, model.EventAssignmentOffered)

	est, _, err := BuildEstimator(cfg, a.Redis, quietLog)
	require.NoError(t, err)
	assert.IsType(t, estimate.Cached{}, est)
}

func TestNewRejectsBadFixtures(t *testing.T) {
	cfg := config.Default()
	cfg.Fixtures.Path = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(context.Background(), cfg, "", quietLog)
	assert.ErrorContains(t, err, "load fixtures")
}

func TestTunablesFrom(t *testing.T) {
	ec := config.Default().Engine
	ec.MaxConcurrency = 3
	ec.HighCostThreshold = 99
	ec.ReleaseTimeout = 3 * time.Second
	tu := TunablesFrom(ec, time.Minute)
	assert.Equal(t, 3, tu.MaxConcurrency)
	assert.Equal(t, 99.0, tu.HighCostThreshold)
	assert.Equal(t, time.Minute, tu.OfferTTL)
	assert.Equal(t, 3*time.Second, tu.ReleaseTimeout)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.ShutdownTimeout = time.Second
	a, err := New(context.Background(), cfg, "", quietLog)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
