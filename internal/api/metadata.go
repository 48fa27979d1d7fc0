package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/duckmesh/duckask/internal/auth"
	"github.com/duckmesh/duckask/internal/metadata"
	"github.com/duckmesh/duckask/internal/nl2sql"
	"github.com/duckmesh/duckask/internal/query"
)

type snapshotView struct {
	SnapshotID       string             `json:"snapshot_id"`
	Version          int                `json:"version"`
	GeneratedAt      time.Time          `json:"generated_at"`
	GenerationMethod string             `json:"generation_method"`
	TableID          string             `json:"table_id"`
	Columns          []query.Column     `json:"columns"`
	ExampleCount     int                `json:"example_count"`
	SchemaInsights   *metadata.Insights `json:"schema_insights,omitempty"`
}

func handleMetadataStatus(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Metadata == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "METADATA_NOT_CONFIGURED", "metadata cache is not configured", false, nil)
		return
	}
	response := map[string]any{
		"available":   deps.Metadata.IsAvailable(),
		"age_seconds": deps.Metadata.AgeSeconds(),
	}
	if snapshot, ok := deps.Metadata.Latest(); ok {
		response["snapshot"] = snapshotView{
			SnapshotID:       snapshot.SnapshotID,
			Version:          snapshot.Version,
			GeneratedAt:      snapshot.GeneratedAt,
			GenerationMethod: snapshot.GenerationMethod,
			TableID:          snapshot.Schema.TableID,
			Columns:          snapshot.Schema.Columns,
			ExampleCount:     len(snapshot.Examples),
			SchemaInsights:   snapshot.SchemaInsights,
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func handleMetadataRefresh(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Metadata == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "METADATA_NOT_CONFIGURED", "metadata cache is not configured", false, nil)
		return
	}
	summary, err := deps.Metadata.Refresh(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "METADATA_REFRESH_FAILED", "metadata refresh failed", true, map[string]any{
			"details": err.Error(),
			"summary": summary,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "completed",
		"summary": summary,
	})
}

func handleMetadataPublish(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Publisher == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PUBLISHER_NOT_CONFIGURED", "metadata publisher is not configured", false, nil)
		return
	}
	if err := auth.Authorize(r.Context(), auth.RoleMetadataAdmin); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	summary, err := deps.Publisher.PublishOnce(r.Context())
	if err != nil {
		if deps.Logger != nil {
			deps.Logger.ErrorContext(r.Context(), "on-demand metadata publish failed", slog.Any("error", err))
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "METADATA_PUBLISH_FAILED", "metadata publish failed", true, map[string]any{
			"kind":    nl2sql.KindMetadataPublishFailed,
			"details": err.Error(),
			"summary": summary,
		})
		return
	}

	response := map[string]any{
		"status":  "completed",
		"summary": summary,
	}
	if deps.Metadata != nil {
		refresh, err := deps.Metadata.Refresh(r.Context())
		if err != nil {
			response["refresh_error"] = err.Error()
		}
		response["refresh"] = refresh
	}
	writeJSON(w, http.StatusOK, response)
}
