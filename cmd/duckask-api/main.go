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

	"github.com/joho/godotenv"

	"github.com/duckmesh/duckask/internal/api"
	"github.com/duckmesh/duckask/internal/auth"
	"github.com/duckmesh/duckask/internal/bootstrap"
	"github.com/duckmesh/duckask/internal/config"
	"github.com/duckmesh/duckask/internal/intent"
	"github.com/duckmesh/duckask/internal/metadata"
	"github.com/duckmesh/duckask/internal/nl2sql"
	"github.com/duckmesh/duckask/internal/observability"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("duckask-api")
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
	registry, prompts, err := bootstrap.NewPrompts(cfg, logger)
	if err != nil {
		logger.Error("failed to load prompt templates", slog.Any("error", err))
		os.Exit(1)
	}
	bootstrap.WatchPrompts(ctx, cfg, registry, logger)

	cache := metadata.NewCache(objectStore, metadata.CacheConfig{
		ArtifactKey:     cfg.Metadata.ArtifactKey,
		StaleAfter:      cfg.Metadata.StaleAfter,
		RefreshInterval: cfg.Metadata.RefreshInterval,
	}, logger)
	go func() { _ = cache.Run(ctx) }()

	classifier := intent.NewClassifier(gateway, prompts, cfg.LLM.Task(config.TaskClassification).ConfidenceThreshold, logger)
	pipeline, err := nl2sql.New(nl2sql.Dependencies{
		Classifier: classifier,
		Prompts:    prompts,
		LLM:        gateway,
		Warehouse:  warehouse,
		Metadata:   cache,
	}, cfg.Pipeline, logger)
	if err != nil {
		logger.Error("failed to initialize pipeline", slog.Any("error", err))
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

	readiness := []api.ReadinessCheck{
		api.CheckObjectStoreConfig(cfg),
		api.CheckWarehouse(warehouse),
	}
	if cfg.Metadata.RequiredForReady {
		readiness = append(readiness, api.CheckMetadataLoaded(cache))
	}
	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: 2 * time.Second,
		Pipeline:          pipeline,
		Metadata:          cache,
		Publisher:         publisher,
	}
	if cfg.Auth.Required {
		validator, err := auth.ParseKeyTable(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
