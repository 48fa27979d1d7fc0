// Package api exposes the question pipeline and metadata operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duckmesh/duckask/internal/config"
	"github.com/duckmesh/duckask/internal/metadata"
	"github.com/duckmesh/duckask/internal/nl2sql"
	"github.com/duckmesh/duckask/internal/observability"
	"github.com/duckmesh/duckask/internal/query"
)

type ReadinessCheck func(ctx context.Context) error

type Pipeline interface {
	Run(ctx context.Context, req nl2sql.Request, emit func(nl2sql.Event)) nl2sql.Result
}

type MetadataCache interface {
	Latest() (*metadata.Snapshot, bool)
	IsAvailable() bool
	Check() error
	AgeSeconds() float64
	Refresh(ctx context.Context) (metadata.RefreshSummary, error)
}

type MetadataPublisher interface {
	PublishOnce(ctx context.Context) (metadata.PublishSummary, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Pipeline          Pipeline
	Metadata          MetadataCache
	Publisher         MetadataPublisher
	MaxMessageBytes   int
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/ask", func(w http.ResponseWriter, r *http.Request) {
		handleAsk(deps, w, r)
	})
	protected.HandleFunc("GET /v1/metadata", func(w http.ResponseWriter, r *http.Request) {
		handleMetadataStatus(deps, w, r)
	})
	protected.HandleFunc("POST /v1/metadata/refresh", func(w http.ResponseWriter, r *http.Request) {
		handleMetadataRefresh(deps, w, r)
	})
	protected.HandleFunc("POST /v1/metadata/publish", func(w http.ResponseWriter, r *http.Request) {
		handleMetadataPublish(deps, w, r)
	})

	var protectedHandler http.Handler = protected
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	mux.Handle("POST /v1/ask", protectedHandler)
	mux.Handle("GET /v1/metadata", protectedHandler)
	mux.Handle("POST /v1/metadata/refresh", protectedHandler)
	mux.Handle("POST /v1/metadata/publish", protectedHandler)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckMetadataLoaded fails until the cache holds a snapshot within its staleness window.
func CheckMetadataLoaded(cache MetadataCache) ReadinessCheck {
	return func(_ context.Context) error {
		if cache == nil {
			return errors.New("metadata cache is not configured")
		}
		if err := cache.Check(); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		return nil
	}
}

// CheckWarehouse dry-runs a trivial statement against the warehouse.
func CheckWarehouse(warehouse query.Warehouse) ReadinessCheck {
	return func(ctx context.Context) error {
		if warehouse == nil {
			return errors.New("warehouse is not configured")
		}
		if err := warehouse.DryRun(ctx, "SELECT 1"); err != nil {
			return fmt.Errorf("warehouse: %w", err)
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		switch cfg.ObjectStore.Backend {
		case "fs":
			if cfg.ObjectStore.Root == "" {
				return errors.New("object store root is not configured")
			}
		default:
			if cfg.ObjectStore.Endpoint == "" {
				return errors.New("object store endpoint is not configured")
			}
			if cfg.ObjectStore.Bucket == "" {
				return errors.New("object store bucket is not configured")
			}
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
