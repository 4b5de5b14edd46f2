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
	"github.com/pdvlabs/branchsync/internal/config"
	"github.com/pdvlabs/branchsync/internal/queue"
	"github.com/pdvlabs/branchsync/internal/retry"
	"github.com/pdvlabs/branchsync/internal/transport"
	"github.com/pdvlabs/branchsync/pkg/infra"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg.LogLevel, cfg.LogFormat, "posd.log")
	slog.SetDefault(logger)

	if cfg.BranchID == "" {
		logger.Error("CRITICAL: BRANCH_ID environment variable is missing")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔥 Branch agent initializing...",
		"branch", cfg.BranchID,
		"server", cfg.ServerURL,
	)

	localQueue, err := queue.Open(cfg.QueuePath, logger)
	if err != nil {
		logger.Error("CRITICAL: could not open local queue", "path", cfg.QueuePath, "error", err)
		os.Exit(1)
	}
	defer localQueue.Close()

	retryBackoff := infra.NewBackoff(cfg.BackoffMin, cfg.BackoffMax, 2.0)
	manager := retry.New(localQueue, cfg.MaxRetries, retryBackoff, logger)

	submitter := transport.NewHTTPSubmitter(cfg.ServerURL, cfg.SubmitTimeout)
	syncTransport := transport.New(localQueue, manager, submitter, cfg.BatchSize, logger)

	agent := api.NewAgent(localQueue, manager, logger)
	httpServer := &http.Server{
		Addr:         cfg.AgentAddr,
		Handler:      agent.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("📊 Agent status endpoint online", "addr", cfg.AgentAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Agent HTTP server failed", "error", err)
		}
	}()

	cycleBackoff := infra.NewBackoff(cfg.BackoffMin, cfg.BackoffMax, 2.0)
	syncTransport.Run(ctx, cfg.PollInterval, cycleBackoff)

	logger.Info("👋 Shutting down branch agent...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Agent HTTP shutdown error", "error", err)
	}

	logger.Info("✅ Shutdown complete")
}
