package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/duckmesh/duckask/internal/observability"
	"github.com/duckmesh/duckask/internal/storage"
)

const maxArtifactBytes = 8 << 20

type CacheConfig struct {
	ArtifactKey     string
	StaleAfter      time.Duration
	RefreshInterval time.Duration
}

type cacheEntry struct {
	snapshot *Snapshot
	etag     string
	loadedAt time.Time
}

type RefreshSummary struct {
	Outcome     string    `json:"outcome"`
	SnapshotID  string    `json:"snapshot_id,omitempty"`
	GeneratedAt time.Time `json:"generated_at,omitempty"`
}

const (
	RefreshUpdated   = "updated"
	RefreshUnchanged = "unchanged"
	RefreshAbsent    = "absent"
	RefreshInvalid   = "invalid"
	RefreshFailed    = "failed"
)

// Cache serves the latest published snapshot from memory. Load never performs
// I/O; Refresh reads the artifact and swaps the pointer only for a valid one.
type Cache struct {
	store   storage.ObjectStore
	config  CacheConfig
	logger  *slog.Logger
	clock   func() time.Time
	current atomic.Pointer[cacheEntry]
	group   singleflight.Group
}

func NewCache(store storage.ObjectStore, cfg CacheConfig, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	return &Cache{store: store, config: cfg, logger: logger, clock: time.Now}
}

// Load returns the cached snapshot when one exists and is within the staleness window.
func (c *Cache) Load() (*Snapshot, bool) {
	entry := c.current.Load()
	if entry == nil {
		return nil, false
	}
	if c.config.StaleAfter > 0 && entry.snapshot.Age(c.clock()) > c.config.StaleAfter {
		return nil, false
	}
	return entry.snapshot, true
}

// Latest returns the cached snapshot regardless of staleness.
func (c *Cache) Latest() (*Snapshot, bool) {
	entry := c.current.Load()
	if entry == nil {
		return nil, false
	}
	return entry.snapshot, true
}

func (c *Cache) IsAvailable() bool {
	return c.Check() == nil
}

// Check returns ErrSnapshotAbsent, wrapped with the snapshot age when the
// cached copy is stale, unless Load would succeed.
func (c *Cache) Check() error {
	entry := c.current.Load()
	if entry == nil {
		return ErrSnapshotAbsent
	}
	if age := entry.snapshot.Age(c.clock()); c.config.StaleAfter > 0 && age > c.config.StaleAfter {
		return fmt.Errorf("snapshot %s is %s old: %w", entry.snapshot.SnapshotID, age.Round(time.Second), ErrSnapshotAbsent)
	}
	return nil
}

// AgeSeconds is the age of the cached snapshot, or -1 when none was ever loaded.
func (c *Cache) AgeSeconds() float64 {
	entry := c.current.Load()
	if entry == nil {
		return -1
	}
	return entry.snapshot.Age(c.clock()).Seconds()
}

// Refresh re-reads the artifact. Concurrent callers share one read.
func (c *Cache) Refresh(ctx context.Context) (RefreshSummary, error) {
	value, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	c.publishState()
	summary, _ := value.(RefreshSummary)
	return summary, err
}

func (c *Cache) refresh(ctx context.Context) (RefreshSummary, error) {
	info, err := c.store.Stat(ctx, c.config.ArtifactKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			observability.ObserveMetadataRefresh(RefreshAbsent)
			return RefreshSummary{Outcome: RefreshAbsent}, nil
		}
		observability.ObserveMetadataRefresh(RefreshFailed)
		return RefreshSummary{Outcome: RefreshFailed}, fmt.Errorf("stat metadata artifact: %w", err)
	}

	previous := c.current.Load()
	if previous != nil && info.ETag != "" && info.ETag == previous.etag {
		observability.ObserveMetadataRefresh(RefreshUnchanged)
		return summaryOf(RefreshUnchanged, previous.snapshot), nil
	}

	body, err := storage.ReadAll(ctx, c.store, c.config.ArtifactKey, maxArtifactBytes)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			observability.ObserveMetadataRefresh(RefreshAbsent)
			return RefreshSummary{Outcome: RefreshAbsent}, nil
		}
		observability.ObserveMetadataRefresh(RefreshFailed)
		return RefreshSummary{Outcome: RefreshFailed}, fmt.Errorf("read metadata artifact: %w", err)
	}
	snapshot, err := Decode(body)
	if err != nil {
		observability.ObserveMetadataRefresh(RefreshInvalid)
		return RefreshSummary{Outcome: RefreshInvalid}, err
	}
	if previous != nil && previous.snapshot.SnapshotID == snapshot.SnapshotID {
		c.current.Store(&cacheEntry{snapshot: previous.snapshot, etag: info.ETag, loadedAt: c.clock()})
		observability.ObserveMetadataRefresh(RefreshUnchanged)
		return summaryOf(RefreshUnchanged, previous.snapshot), nil
	}
	if previous != nil && snapshot.GeneratedAt.Before(previous.snapshot.GeneratedAt) {
		observability.ObserveMetadataRefresh(RefreshUnchanged)
		c.logger.WarnContext(ctx, "ignoring metadata artifact older than cached snapshot",
			slog.String("artifact_snapshot_id", snapshot.SnapshotID),
			slog.String("cached_snapshot_id", previous.snapshot.SnapshotID),
		)
		return summaryOf(RefreshUnchanged, previous.snapshot), nil
	}

	c.current.Store(&cacheEntry{snapshot: snapshot, etag: info.ETag, loadedAt: c.clock()})
	observability.ObserveMetadataRefresh(RefreshUpdated)
	c.logger.InfoContext(ctx, "metadata snapshot loaded",
		slog.String("snapshot_id", snapshot.SnapshotID),
		slog.Time("generated_at", snapshot.GeneratedAt),
		slog.Int("examples", len(snapshot.Examples)),
	)
	return summaryOf(RefreshUpdated, snapshot), nil
}

// Run refreshes on the configured interval until ctx is done. The first refresh
// happens immediately.
func (c *Cache) Run(ctx context.Context) error {
	c.refreshAndLog(ctx)
	ticker := time.NewTicker(c.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.refreshAndLog(ctx)
		}
	}
}

func (c *Cache) refreshAndLog(ctx context.Context) {
	summary, err := c.Refresh(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "metadata refresh failed", slog.Any("error", err), slog.Any("summary", summary))
		return
	}
	if summary.Outcome == RefreshAbsent {
		c.logger.WarnContext(ctx, "metadata artifact absent", slog.String("key", c.config.ArtifactKey))
	}
}

func (c *Cache) publishState() {
	observability.SetMetadataSnapshotState(c.IsAvailable(), c.AgeSeconds())
}

func summaryOf(outcome string, snapshot *Snapshot) RefreshSummary {
	return RefreshSummary{Outcome: outcome, SnapshotID: snapshot.SnapshotID, GeneratedAt: snapshot.GeneratedAt}
}
