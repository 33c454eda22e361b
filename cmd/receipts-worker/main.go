package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"receipts/internal/amqp"
	"receipts/internal/app"
	"receipts/internal/cache"
	"receipts/internal/config"
	"receipts/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting receipts-worker")

	// Load configuration
	cfg := config.Load()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	// Initialize AMQP client for consuming classification messages
	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	// Wire storage, image store, number strategy and services
	engine, err := app.New(cfg, amqpClient)
	if err != nil {
		logger.Error("Failed to initialize engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Sweep expired dashboard aggregates in the background
	janitor := cache.NewJanitor(cfg.CacheSweep, engine.Stats.Cache())
	go janitor.Run(ctx)

	// Start the classification worker pool
	consume := func(ctx context.Context, handler func(*amqp.TicketIngestedMessage) error) error {
		return amqpClient.ConsumeWithReconnect(ctx, cfg.AMQPURL, handler)
	}
	pool := worker.NewPool(engine.HandleTicketIngested, consume, cfg.WorkerConcurrency)

	poolDone := make(chan error, 1)
	go func() {
		poolDone <- pool.Run(ctx)
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-poolDone:
		if err != nil {
			logger.Error("Classification pool failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Give in-flight messages time to finish
	logger.Info("Shutting down worker...")
	cancel()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout reached")
	case err := <-poolDone:
		if err != nil {
			logger.Error("Classification pool failed during shutdown", "error", err)
		} else {
			logger.Info("Worker shutdown complete")
		}
	}
}
