package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/duckmesh/duckask/internal/bootstrap"
	"github.com/duckmesh/duckask/internal/config"
	"github.com/duckmesh/duckask/internal/metadata"
	"github.com/duckmesh/duckask/internal/observability"
	"github.com/duckmesh/duckask/internal/storage"
)

func main() {
	once := flag.Bool("once", false, "publish a single snapshot and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("duckask-publisher")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	objectStore, err := bootstrap.OpenObjectStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}
	warehouse, err := bootstrap.OpenWarehouse(ctx, cfg, objectStore)
	if err != nil {
		logger.Error("failed to open warehouse", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = warehouse.Close() }()

	gateway, err := bootstrap.NewLanguageModel(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize language model", slog.Any("error", err))
		os.Exit(1)
	}
	_, prompts, err := bootstrap.NewPrompts(cfg, logger)
	if err != nil {
		logger.Error("failed to load prompt templates", slog.Any("error", err))
		os.Exit(1)
	}

	publisher := &metadata.Publisher{
		Warehouse:   warehouse,
		ObjectStore: objectStore,
		LLM:         gateway,
		Prompts:     prompts,
		Config:      bootstrap.PublisherConfig(cfg),
		Logger:      logger,
	}

	if *once {
		summary, err := publisher.PublishOnce(ctx)
		if err != nil {
			logger.Error("metadata publish failed", slog.Any("error", err), slog.Any("summary", summary))
			os.Exit(1)
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(summary)
		return
	}

	// A fresh deployment has nothing to serve until the first interval elapses.
	if _, err := objectStore.Stat(ctx, cfg.Metadata.ArtifactKey); errors.Is(err, storage.ErrObjectNotFound) {
		logger.Info("metadata artifact absent, publishing initial snapshot")
		if summary, err := publisher.PublishOnce(ctx); err != nil {
			logger.Error("initial metadata publish failed", slog.Any("error", err))
		} else {
			logger.Info("metadata publish completed", slog.Any("summary", summary))
		}
	}

	logger.Info("metadata publisher started", slog.Duration("interval", cfg.Metadata.PublishInterval))
	if err := publisher.Run(ctx); err != nil {
		logger.Error("metadata publisher failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("metadata publisher stopped")
}
