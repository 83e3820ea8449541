// Command revalidator runs the revalidation workers without the HTTP API,
// consuming the shared queue next to one or more API servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/score-integrity/internal/app"
	"github.com/score-integrity/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	metricsPort := flag.Int("metrics-port", 9090, "Port serving /metrics (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if cfg.Queue.Driver == config.DriverMemory || cfg.Storage.Durable == config.DriverMemory {
		logger.Error("a standalone revalidator needs a shared queue and ledger",
			"queue", cfg.Queue.Driver,
			"durable", cfg.Storage.Durable,
		)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stack, err := app.Open(ctx, cfg, true, logger)
	if err != nil {
		logger.Error("failed to initialize backends", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	revalidator := stack.Revalidator(cfg)
	if err := revalidator.Start(ctx); err != nil {
		logger.Error("failed to start revalidation workers", "error", err)
		os.Exit(1)
	}

	var metricsServer *http.Server
	if *metricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", *metricsPort), Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down revalidator...")

	if err := revalidator.Stop(); err != nil {
		logger.Error("failed to stop revalidation workers", "error", err)
	}
	if metricsServer != nil {
		metricsServer.Close()
	}

	logger.Info("revalidator stopped")
}
