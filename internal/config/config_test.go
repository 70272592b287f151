package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  port: "9090"
engine:
  cost_baseline: 300
  max_concurrency: 4
  request_timeout: 2s
  release_timeout: 5s
redis:
  prefix: dispatch
assignment:
  offer_ttl: 15m
rate:
  base_fee: 10
  per_mile: 1.5
`

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "fleetopt.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	p := writeFile(t, t.TempDir(), sample)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("OFFER_TTL", "20m")
	t.Setenv("RATE_RPS", "5")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 300.0, cfg.Engine.CostBaseline)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 2*time.Second, cfg.Engine.RequestTimeout)
	assert.Equal(t, 5*time.Second, cfg.Engine.ReleaseTimeout)
	assert.Equal(t, "dispatch", cfg.Redis.Prefix)
	assert.Equal(t, "fleetopt", cfg.NATS.Prefix, "redis prefix is independent of nats")
	assert.Equal(t, 50.0, cfg.Engine.DefaultMaxDistanceMiles, "defaults survive partial files")
	assert.Equal(t, 20*time.Minute, cfg.Assignment.OfferTTL, "env wins over file")
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 5.0, cfg.Server.RateRPS)
	assert.Equal(t, 1.5, cfg.Rate.PerMile)
}

func TestLoadFromEnvPath(t *testing.T) {
	p := writeFile(t, t.TempDir(), sample)
	t.Setenv("FLEETOPT_CONFIG", p)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		body string
	}{
		{name: "bad duration", env: map[string]string{"OFFER_TTL": "soon"}},
		{name: "bad burst", env: map[string]string{"RATE_BURST": "many"}},
		{name: "hmac without secret", env: map[string]string{"AUTH_MODE": "hmac"}},
		{name: "unknown auth", env: map[string]string{"AUTH_MODE": "jwks"}},
		{name: "bad yaml", body: "engine: [unclosed"},
		{name: "zero baseline", body: "engine:\n  cost_baseline: -1\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := ""
			if tc.body != "" {
				path = writeFile(t, t.TempDir(), tc.body)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadEngineKeepsUnsetFields(t *testing.T) {
	p := writeFile(t, t.TempDir(), "engine:\n  high_cost_threshold: 99\n")
	cur := Default().Engine
	next, err := LoadEngine(p, cur)
	require.NoError(t, err)
	assert.Equal(t, 99.0, next.HighCostThreshold)
	assert.Equal(t, cur.CostBaseline, next.CostBaseline)
}

func TestWatcherReloadsEngine(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, sample)
	got := make(chan EngineConfig, 4)
	w, err := NewWatcher(p, Default().Engine, func(e EngineConfig) { got <- e }, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(p, []byte("engine:\n  max_candidates: 7\n"), 0o644))
	select {
	case e := <-got:
		assert.Equal(t, 7, e.MaxCandidates)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "warn", "json")
	l.Info("hidden")
	l.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"k":"v"`)
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
