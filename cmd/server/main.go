package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/score-integrity/internal/app"
	"github.com/score-integrity/internal/auth"
	"github.com/score-integrity/internal/config"
	"github.com/score-integrity/internal/handler"
	"github.com/score-integrity/internal/service"
	"github.com/score-integrity/internal/websocket"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration; without a file the server runs fully in process
	cfg, err := config.Load(*configPath)
	loadErr := err
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.MemoryConfig()
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)
	if loadErr != nil {
		logger.Warn("config file not found, using in-process defaults", "error", loadErr)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The in-process revalidator is the only consumer when it is enabled
	stack, err := app.Open(ctx, cfg, cfg.Revalidation.Enabled, logger)
	if err != nil {
		logger.Error("failed to initialize backends", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(stack.Broadcaster, logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize services
	scoreService := service.NewScoreService(
		stack.Sessions,
		stack.Validator(cfg),
		stack.Ledger,
		stack.Projector,
		stack.Queue,
		&cfg.Leaderboard,
		logger,
	)
	reviewService := service.NewReviewService(stack.Ledger, stack.Projector, stack.DeadLetters, logger)

	// Rebuild boards from the ledger on startup, then periodically
	rebuildWorker := stack.RebuildWorker(cfg)
	if cfg.Rebuild.Enabled {
		if err := rebuildWorker.Start(ctx); err != nil {
			logger.Error("failed to start rebuild worker", "error", err)
			os.Exit(1)
		}
	} else {
		rebuildWorker.RunOnce(ctx)
	}

	revalidator := stack.Revalidator(cfg)
	if cfg.Revalidation.Enabled {
		if err := revalidator.Start(ctx); err != nil {
			logger.Error("failed to start revalidation workers", "error", err)
			os.Exit(1)
		}
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(
		scoreService,
		reviewService,
		wsHub,
		auth.NewVerifier(&cfg.Auth),
		&cfg.Server,
		logger,
	)
	for name, check := range stack.Checks {
		httpHandler.AddReadinessCheck(name, handler.ReadinessCheck(check))
	}

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			"port", cfg.Server.Port,
			"durable", cfg.Storage.Durable,
			"volatile", cfg.Storage.Volatile,
			"queue", cfg.Queue.Driver,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting submissions before the workers go away
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	wsHub.Stop()

	if err := revalidator.Stop(); err != nil {
		logger.Error("failed to stop revalidation workers", "error", err)
	}
	if err := rebuildWorker.Stop(); err != nil {
		logger.Error("failed to stop rebuild worker", "error", err)
	}

	logger.Info("server stopped")
}
