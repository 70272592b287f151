// Package app assembles the service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"fleetopt/internal/api"
	"fleetopt/internal/assign"
	"fleetopt/internal/auth"
	"fleetopt/internal/config"
	"fleetopt/internal/estimate"
	"fleetopt/internal/integrations"
	"fleetopt/internal/integrations/yamlfile"
	"fleetopt/internal/metrics"
	"fleetopt/internal/notify"
	"fleetopt/internal/opt"
	"fleetopt/internal/store"
	"fleetopt/internal/webhooks"
)

// App is the wired service.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   store.Store
	Redis   *redis.Client
	Engine  *opt.Engine
	Machine *assign.Machine
	Server  *api.Server
	Worker  *webhooks.Worker

	configPath string
	closers    []func()
}

// New connects to the configured backends and builds the engine. configPath enables hot reload
// of the engine tunables; it may be empty.
func New(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics.RegisterDefault()
	a := &App{Config: cfg, Logger: logger, configPath: configPath}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Store, err = OpenStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.Store.Close() })

	if cfg.Fixtures.Path != "" {
		sum, err := integrations.Load(ctx, yamlfile.Source{Path: cfg.Fixtures.Path}, a.Store)
		if err != nil {
			return nil, fmt.Errorf("load fixtures: %w", err)
		}
		logger.Info("fixtures loaded", "source", sum.Source, "drivers", sum.Drivers, "jobs", sum.Jobs)
	}

	if cfg.Redis.URL != "" {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.Redis = redis.NewClient(ropts)
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	}

	est, provider, err := BuildEstimator(cfg, a.Redis, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("distance estimator ready", "provider", provider, "cache", a.Redis != nil)

	var broker api.EventBroker = api.NewBroker()
	if a.Redis != nil {
		broker = api.NewRedisBroker(a.Redis, cfg.Redis.Prefix)
	}
	sinks := notify.Multi{
		webhooks.NewPublisher(a.Store, cfg.Webhooks.Tenant),
		api.BrokerSink{Broker: broker},
	}
	if cfg.NATS.URL != "" {
		n, closeNATS, err := notify.ConnectNATS(cfg.NATS.URL, cfg.NATS.Prefix)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, closeNATS)
		sinks = append(sinks, n)
	}

	a.Machine = assign.New(a.Store, assign.Options{
		TTL:           cfg.Assignment.OfferTTL,
		SweepInterval: cfg.Assignment.SweepInterval,
		SweepBatch:    cfg.Assignment.SweepBatch,
		NotifyTimeout: cfg.Assignment.NotifyTimeout,
		Sink:          sinks,
		Logger:        logger.With("component", "assign"),
	})
	a.Engine = opt.NewEngine(opt.Deps{
		Jobs: a.Store, Drivers: a.Store, History: a.Store, Assignments: a.Store,
		Estimator: est,
		Cost:      estimate.RateCard{BaseFee: cfg.Rate.BaseFee, PerMile: cfg.Rate.PerMile},
		Machine:   a.Machine,
		Decisions: opt.NewDecisionLog(cfg.Engine.DecisionLogSize),
		Logger:    logger.With("component", "engine"),
	}, TunablesFrom(cfg.Engine, cfg.Assignment.OfferTTL))
	a.Machine.OnRelease(a.Engine.HandleRelease)

	a.Worker = webhooks.NewWorker(a.Store, cfg.Webhooks.MaxAttempts, logger.With("component", "webhooks"))
	if cfg.Webhooks.Interval > 0 {
		a.Worker.Interval = cfg.Webhooks.Interval
	}

	a.Server = &api.Server{
		Engine: a.Engine, Machine: a.Machine, Store: a.Store,
		Auth:           auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret),
		Broker:         broker,
		Logger:         logger.With("component", "http"),
		RequestTimeout: cfg.Engine.RequestTimeout,
		RateRPS:        cfg.Server.RateRPS,
		RateBurst:      cfg.Server.RateBurst,
		Settings:       Settings(cfg, provider),
	}
	return a, nil
}

// OpenStore returns Postgres when a database URL is configured, else the in-memory store.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Database.URL == "" {
		logger.Info("using in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.Database.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Info("using postgres store", "migrate", cfg.Database.Migrate)
	return pg, nil
}

// BuildEstimator layers provider, metrics, retries and the optional Redis cache.
func BuildEstimator(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (estimate.Estimator, string, error) {
	var (
		base     estimate.Estimator = estimate.Haversine{}
		provider                    = "haversine"
	)
	if cfg.Maps.APIKey != "" {
		g, err := estimate.NewGoogleMaps(cfg.Maps.APIKey, estimate.WithRPS(cfg.Maps.RPS))
		if err != nil {
			return nil, "", fmt.Errorf("google maps client: %w", err)
		}
		base, provider = g, "google"
	}
	var est estimate.Estimator = estimate.Retrying{
		Next:    estimate.Observe(provider, base),
		Retries: cfg.Engine.EstimatorRetries,
		Initial: cfg.Engine.EstimatorBackoff,
		Logger:  logger,
	}
	if rdb != nil {
		est = estimate.Cached{Next: est, RDB: rdb, TTL: cfg.Redis.EstimateTTL, Logger: logger}
	}
	return est, provider, nil
}

// TunablesFrom maps the engine config section onto engine tunables.
func TunablesFrom(ec config.EngineConfig, offerTTL time.Duration) opt.Tunables {
	return opt.Tunables{
		CostBaseline:            ec.CostBaseline,
		DefaultMaxDistanceMiles: ec.DefaultMaxDistanceMiles,
		NeutralPerformance:      ec.NeutralPerformance,
		NeutralAffinity:         ec.NeutralAffinity,
		MaxConcurrency:          ec.MaxConcurrency,
		MaxCandidates:           ec.MaxCandidates,
		HighCostThreshold:       ec.HighCostThreshold,
		OfferTTL:                offerTTL,
		ReleaseTimeout:          ec.ReleaseTimeout,
	}
}

// Settings is the redacted view of cfg shown on /debug/info.
func Settings(cfg *config.Config, provider string) map[string]any {
	return map[string]any{
		"port":               cfg.Server.Port,
		"authMode":           cfg.Auth.Mode,
		"rateRps":            cfg.Server.RateRPS,
		"rateBurst":          cfg.Server.RateBurst,
		"hasDatabase":        cfg.Database.URL != "",
		"hasRedis":           cfg.Redis.URL != "",
		"hasNats":            cfg.NATS.URL != "",
		"estimator":          provider,
		"offerTtl":           cfg.Assignment.OfferTTL.String(),
		"webhookMaxAttempts": cfg.Webhooks.MaxAttempts,
	}
}

// Run serves HTTP and the background loops until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+a.Config.Server.Port)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.Config.Server.ReadTimeout,
		WriteTimeout:      a.Config.Server.WriteTimeout,
	}

	bg, stop := context.WithCancel(ctx)
	defer stop()
	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(bg)
		}()
	}
	run(a.Machine.Run)
	run(a.Worker.Run)
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.Config.Engine, func(ec config.EngineConfig) {
			a.Engine.SetTunables(TunablesFrom(ec, a.Config.Assignment.OfferTTL))
		}, a.Logger.With("component", "config"))
		if err != nil {
			a.Logger.Warn("config hot reload disabled", "path", a.configPath, "err", err)
		} else {
			run(w.Run)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.Logger.Info("API listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			wg.Wait()
			return err
		}
	}

	a.Logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	stop()
	wg.Wait()
	a.Machine.Wait()
	return err
}

// Close releases backend connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
