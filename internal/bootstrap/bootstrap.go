// Package bootstrap builds the shared runtime dependencies of the duckask binaries
// from a loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/duckmesh/duckask/internal/config"
	"github.com/duckmesh/duckask/internal/llm"
	"github.com/duckmesh/duckask/internal/metadata"
	"github.com/duckmesh/duckask/internal/prompt"
	"github.com/duckmesh/duckask/internal/query"
	duckdbengine "github.com/duckmesh/duckask/internal/query/duckdb"
	pgwarehouse "github.com/duckmesh/duckask/internal/query/postgres"
	"github.com/duckmesh/duckask/internal/storage"
	fsstore "github.com/duckmesh/duckask/internal/storage/fs"
	s3store "github.com/duckmesh/duckask/internal/storage/s3"
)

func OpenObjectStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	switch cfg.ObjectStore.Backend {
	case "fs":
		store, err := fsstore.New(cfg.ObjectStore.Root)
		if err != nil {
			return nil, fmt.Errorf("open filesystem object store: %w", err)
		}
		return store, nil
	case "s3":
		store, err := s3store.New(ctx, cfg.ObjectStore)
		if err != nil {
			return nil, fmt.Errorf("open s3 object store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported object store backend %q", cfg.ObjectStore.Backend)
	}
}

// Warehouse is a query.Warehouse that owns a connection.
type Warehouse interface {
	query.Warehouse
	io.Closer
}

// OpenWarehouse opens the configured engine. DuckDB parquet table sources are
// read from store.
func OpenWarehouse(ctx context.Context, cfg config.Config, store storage.ObjectStore) (Warehouse, error) {
	switch cfg.Warehouse.Driver {
	case "duckdb":
		tables, err := duckdbengine.ParseTableSources(cfg.Warehouse.ParquetTables)
		if err != nil {
			return nil, err
		}
		opts := duckdbengine.Options{DSN: cfg.Warehouse.DSN, Tables: tables}
		if len(tables) > 0 {
			opts.Store = store
		}
		warehouse, err := duckdbengine.Open(ctx, opts)
		if err != nil {
			return nil, err
		}
		return warehouse, nil
	case "postgres":
		db, err := pgwarehouse.Open(ctx, pgwarehouse.DBConfig{
			DSN:             cfg.Warehouse.DSN,
			MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
			ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return pgwarehouse.New(db), nil
	default:
		return nil, fmt.Errorf("unsupported warehouse driver %q", cfg.Warehouse.Driver)
	}
}

func NewLanguageModel(cfg config.Config, logger *slog.Logger) (*llm.Gateway, error) {
	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create language model client: %w", err)
	}
	return llm.NewGateway(client, cfg.LLM, logger), nil
}

func NewPrompts(cfg config.Config, logger *slog.Logger) (*prompt.Registry, *prompt.Builder, error) {
	registry, err := prompt.NewRegistry(cfg.Prompts.Dir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("load prompt templates: %w", err)
	}
	builder := prompt.NewBuilder(registry, prompt.BuilderConfig{
		TableID:           cfg.Warehouse.TableID,
		MaxContextTurns:   cfg.Pipeline.MaxContextTurns,
		ContextSampleRows: cfg.Pipeline.ContextSampleRows,
	}, logger)
	return registry, builder, nil
}

// WatchPrompts reloads templates on file changes until ctx is done. It is a
// no-op unless hot reload is enabled for a template directory.
func WatchPrompts(ctx context.Context, cfg config.Config, registry *prompt.Registry, logger *slog.Logger) {
	if !cfg.Prompts.HotReload || cfg.Prompts.Dir == "" {
		return
	}
	go func() {
		if err := registry.Watch(ctx); err != nil {
			logger.Error("prompt template watcher stopped", slog.Any("error", err))
		}
	}()
}

func PublisherConfig(cfg config.Config) metadata.PublisherConfig {
	return metadata.PublisherConfig{
		TableID:          cfg.Warehouse.TableID,
		ArtifactKey:      cfg.Metadata.ArtifactKey,
		HistoryPrefix:    cfg.Metadata.HistoryPrefix,
		HistoryKeep:      cfg.Metadata.HistoryKeep,
		ExampleCount:     cfg.Metadata.ExampleCount,
		GenerationMethod: cfg.Metadata.GenerationMethod,
		CreatedBy:        cfg.Service.Name,
		PublishInterval:  cfg.Metadata.PublishInterval,
		DryRunTimeout:    cfg.Pipeline.DryRunTimeout,
	}
}
