package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/duckmesh/duckask/internal/auth"
	"github.com/duckmesh/duckask/internal/metadata"
)

type fakePublisher struct {
	err   error
	calls int
}

func (f *fakePublisher) PublishOnce(context.Context) (metadata.PublishSummary, error) {
	f.calls++
	if f.err != nil {
		return metadata.PublishSummary{Columns: 3}, f.err
	}
	return metadata.PublishSummary{SnapshotID: "snap-2", ExamplesPublished: 4}, nil
}

func TestMetadataStatusWithSnapshot(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Metadata: &fakeCache{snapshot: testSnapshot()}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/metadata", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Available  bool    `json:"available"`
		AgeSeconds float64 `json:"age_seconds"`
		Snapshot   struct {
			SnapshotID   string `json:"snapshot_id"`
			TableID      string `json:"table_id"`
			ExampleCount int    `json:"example_count"`
		} `json:"snapshot"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if !body.Available || body.AgeSeconds != 60 || body.Snapshot.SnapshotID != "snap-1" || body.Snapshot.TableID != "events" || body.Snapshot.ExampleCount != 1 {
		t.Fatalf("body = %+v", body)
	}
}

func TestMetadataStatusWithoutSnapshot(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{Metadata: &fakeCache{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/metadata", nil))

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body["available"] != false || body["age_seconds"] != float64(-1) {
		t.Fatalf("body = %v", body)
	}
	if _, ok := body["snapshot"]; ok {
		t.Fatal("no snapshot expected")
	}
}

func TestMetadataRefresh(t *testing.T) {
	cache := &fakeCache{}
	h := NewHandler(loadConfig(t, nil), Dependencies{Metadata: cache})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/metadata/refresh", nil))
	if rr.Code != http.StatusOK || cache.refreshes != 1 {
		t.Fatalf("status = %d refreshes = %d", rr.Code, cache.refreshes)
	}

	cache.refreshErr = errors.New("bucket unreachable")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/metadata/refresh", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestMetadataPublishRefreshesCache(t *testing.T) {
	cache := &fakeCache{}
	publisher := &fakePublisher{}
	h := NewHandler(loadConfig(t, nil), Dependencies{Metadata: cache, Publisher: publisher})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/metadata/publish", nil))

	if rr.Code != http.StatusOK || publisher.calls != 1 || cache.refreshes != 1 {
		t.Fatalf("status = %d publishes = %d refreshes = %d", rr.Code, publisher.calls, cache.refreshes)
	}
}

func TestMetadataPublishFailure(t *testing.T) {
	cache := &fakeCache{}
	h := NewHandler(loadConfig(t, nil), Dependencies{Metadata: cache, Publisher: &fakePublisher{err: errors.New("schema fetch failed")}})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/metadata/publish", nil))

	if rr.Code != http.StatusInternalServerError || cache.refreshes != 0 {
		t.Fatalf("status = %d refreshes = %d", rr.Code, cache.refreshes)
	}
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	extra, _ := body["context"].(map[string]any)
	if body["error_code"] != "METADATA_PUBLISH_FAILED" || extra["kind"] != "metadata_publish_failed" {
		t.Fatalf("body = %v", body)
	}
}

func TestMetadataPublishRequiresAdminRole(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"DUCKASK_AUTH_REQUIRED": "true"})
	validator, err := auth.ParseKeyTable("k1:alice:asker,k2:ops:metadata_admin")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	publisher := &fakePublisher{}
	h := NewHandler(cfg, Dependencies{AuthMiddleware: auth.Middleware(nil, validator), Publisher: publisher})

	req := httptest.NewRequest(http.MethodPost, "/v1/metadata/publish", nil)
	req.Header.Set("X-API-Key", "k1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden || publisher.calls != 0 {
		t.Fatalf("status = %d calls = %d", rr.Code, publisher.calls)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/metadata/publish", nil)
	req.Header.Set("X-API-Key", "k2")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || publisher.calls != 1 {
		t.Fatalf("status = %d calls = %d", rr.Code, publisher.calls)
	}
}

func TestMetadataPublishNotConfigured(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/metadata/publish", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}
