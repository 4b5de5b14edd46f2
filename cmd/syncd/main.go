package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pdvlabs/branchsync/internal/api"
	"github.com/pdvlabs/branchsync/internal/broker"
	"github.com/pdvlabs/branchsync/internal/config"
	"github.com/pdvlabs/branchsync/internal/coordinator"
	"github.com/pdvlabs/branchsync/internal/resolver"
	"github.com/pdvlabs/branchsync/internal/router"
	"github.com/pdvlabs/branchsync/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg.LogLevel, cfg.LogFormat, "syncd.log")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🚀 Sync server initializing...", "pid", os.Getpid())

	source, cleanup, err := buildDescriptorSource(ctx, cfg)
	if err != nil {
		logger.Error("CRITICAL: could not load branch metadata", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	branchRouter := router.New(source, router.Limits{
		MaxConns:    cfg.PoolMaxConns,
		OpenTimeout: cfg.PoolTimeout,
	}, logger)
	defer branchRouter.Close()

	// The broker is optional decoration: discrepancy events are dropped
	// with a warning while it is down, and sync keeps flowing.
	var events coordinator.EventPublisher
	if cfg.RabbitMQURL != "" {
		client, err := broker.NewClient(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("RabbitMQ unreachable, discrepancy events disabled", "error", err)
		} else {
			defer client.Close()
			events = client
		}
	}

	coord := coordinator.New(branchRouter, resolver.New(logger), events, logger)
	server := api.NewServer(coord, events, cfg.BatchSize, logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("📡 Sync API listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("👋 Shutting down sync server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}

	logger.Info("✅ Shutdown complete")
}

// buildDescriptorSource wires branch metadata from the head-office
// database when configured, falling back to a static branches file for
// dev setups.
func buildDescriptorSource(ctx context.Context, cfg *config.Config) (router.DescriptorSource, func(), error) {
	if cfg.HeadOfficeURL != "" {
		src, err := router.NewHeadOfficeSource(ctx, cfg.HeadOfficeURL, 30*time.Second)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	}

	src, err := router.LoadBranchesFile(cfg.BranchesFile)
	if err != nil {
		return nil, nil, err
	}
	return src, func() {}, nil
}
