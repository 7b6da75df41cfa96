package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maltedev/apparel-scraper/internal/api"
	"github.com/maltedev/apparel-scraper/internal/app"
	"github.com/maltedev/apparel-scraper/internal/config"
	"github.com/maltedev/apparel-scraper/internal/database"
	"github.com/maltedev/apparel-scraper/internal/logging"
	"github.com/maltedev/apparel-scraper/internal/queue"
	"github.com/maltedev/apparel-scraper/internal/runs"
)

const maxQueuedRuns = 10

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file (default: ./config.yaml)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Outbox relay, only when there is a stream to publish to
	var outbox api.OutboxCounter
	if a.Redis != nil {
		relay := database.NewRelay(a.DB, a.Redis, logger, database.RelayConfig{
			PollInterval: cfg.Server.RelayInterval,
			BatchSize:    cfg.Server.RelayBatchSize,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		outbox = relay
		go func() {
			if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped with error", "error", err)
			}
		}()
	} else {
		logger.Warn("redis disabled, outbox events stay queued")
	}

	// Run worker
	runQueue := queue.NewInMemoryQueue(maxQueuedRuns)
	manager := runs.NewManager(a, runQueue, logger)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		manager.StartWorker(ctx)
	}()

	handlers := api.NewHandlers(manager, a.Products, outbox, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handlers, a.Metrics.Handler(), nil),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		runQueue.Close()
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "port", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	// Let a running scrape release its tabs before the browser closes.
	<-workerDone
	logger.Info("server stopped")
}
