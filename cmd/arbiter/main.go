// Package main is the entry point for the permit arbiter, the Arbiter
// Service (AS) of the permit arbitration subsystem: it issues permits
// against a shared Redis-backed counter store and absorbs observations
// from the external REST API's rate-limit response headers so a fleet of
// callers stays under both per-identity and per-route caps without any
// one of them hard-coding a limit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/permitarbiter/arbiter/internal/arbiter"
	"github.com/permitarbiter/arbiter/internal/config"
	"github.com/permitarbiter/arbiter/internal/observability"
	"github.com/permitarbiter/arbiter/internal/permit"
	"github.com/permitarbiter/arbiter/internal/store"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("arbiter %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting permit arbiter", "version", version)

	store.InitLogger(logger)

	storeClient, err := store.NewClient(cfg.Store)
	if err != nil {
		logger.Error("failed to connect to shared counter store", "error", err)
		os.Exit(1)
	}

	reg, metrics := observability.NewRegistryAndMetrics()
	instrumentedStore := store.NewInstrumentedClient(storeClient, metrics)
	engine := permit.NewEngine(instrumentedStore, cfg.Permit, cfg.Store.KeyPrefix, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := arbiter.New(cfg, logger, version, engine, store.Pinger{Client: storeClient}, reg, metrics)

	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		engine.UpdateConfig(newCfg.Permit)
		logger.Info("permit config hot-reloaded", "global_rps", newCfg.Permit.GlobalRPS, "route_rps", newCfg.Permit.RouteRPS)
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := svc.Run(ctx, cfg.Tracing); err != nil {
		logger.Error("arbiter exited with error", "error", err)
		_ = storeClient.Close()
		os.Exit(1)
	}

	_ = storeClient.Close()
	logger.Info("permit arbiter shut down gracefully")
}
