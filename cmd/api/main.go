package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fleetopt/internal/app"
	"fleetopt/internal/buildinfo"
	"fleetopt/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("FLEETOPT_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting fleetopt api", "build", buildinfo.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, *configPath, logger)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("server error", "err", err)
		a.Close()
		os.Exit(1)
	}
}
