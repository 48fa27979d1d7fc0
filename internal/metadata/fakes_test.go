package metadata

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duckmesh/duckask/internal/config"
	"github.com/duckmesh/duckask/internal/llm"
	"github.com/duckmesh/duckask/internal/query"
	"github.com/duckmesh/duckask/internal/storage"
)

type memoryStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     []string
	putOpts  map[string]storage.PutOptions
	putErr   map[string]error
	getCalls int
	deleted  []string
	onPut    func(key string)
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}, putOpts: map[string]storage.PutOptions{}, putErr: map[string]error{}}
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.putErr[key]; err != nil {
		return storage.ObjectInfo{}, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.objects[key] = payload
	m.puts = append(m.puts, key)
	m.putOpts[key] = opts
	if m.onPut != nil {
		m.onPut(key)
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(payload)), ETag: etagOf(payload)}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	payload, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(payload)), ETag: etagOf(payload)}, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix = strings.Trim(prefix, "/") + "/"
	var objects []storage.ObjectInfo
	for key, payload := range m.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, storage.ObjectInfo{Key: key, Size: int64(len(payload))})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func etagOf(payload []byte) string {
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}

type fakeWarehouse struct {
	columns   []query.Column
	schemaErr error
	invalid   map[string]string
	dryRuns   []string
}

func (f *fakeWarehouse) DryRun(_ context.Context, sqlText string) error {
	f.dryRuns = append(f.dryRuns, sqlText)
	for fragment, message := range f.invalid {
		if strings.Contains(sqlText, fragment) {
			return &query.EngineError{Message: message}
		}
	}
	return nil
}

func (f *fakeWarehouse) Execute(context.Context, string, query.Limits) (query.Result, error) {
	return query.Result{}, errors.New("not used")
}

func (f *fakeWarehouse) ListSchema(_ context.Context, tableID string) ([]query.Column, error) {
	if f.schemaErr != nil {
		return nil, f.schemaErr
	}
	if tableID != "events" {
		return nil, fmt.Errorf("unknown table %s", tableID)
	}
	return f.columns, nil
}

type taskCompleter struct {
	mu        sync.Mutex
	responses map[config.Task]string
	errs      map[config.Task]error
}

func (c *taskCompleter) Complete(_ context.Context, task config.Task, _ llm.Prompt) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.errs[task]; err != nil {
		return "", err
	}
	return c.responses[task], nil
}

type stubPrompts struct{}

func (stubPrompts) MetadataExamples(schema Schema, count int) (llm.Prompt, error) {
	return llm.Prompt{User: fmt.Sprintf("%s:%d", schema.TableID, count)}, nil
}

func (stubPrompts) MetadataInsights(schema Schema) (llm.Prompt, error) {
	return llm.Prompt{User: schema.TableID}, nil
}

func eventColumns() []query.Column {
	return []query.Column{
		{Name: "event_id", Type: "BIGINT"},
		{Name: "country", Type: "VARCHAR", Nullable: true, Description: "ISO country code"},
		{Name: "revenue", Type: "DOUBLE", Nullable: true},
	}
}

func testSnapshot(id string, generatedAt time.Time) *Snapshot {
	return &Snapshot{
		Version:          ArtifactVersion,
		SnapshotID:       id,
		GeneratedAt:      generatedAt,
		GenerationMethod: "llm_synthesized",
		Schema:           Schema{TableID: "events", Columns: eventColumns()},
		Examples:         []Example{{Question: "How many events?", SQL: "SELECT COUNT(*) FROM events"}},
		SchemaInsights:   &Insights{Purpose: "Sales events", KeyColumns: []string{"country"}},
	}
}

func putSnapshot(store *memoryStore, key string, snapshot *Snapshot) {
	body, err := Encode(snapshot)
	if err != nil {
		panic(err)
	}
	store.objects[key] = body
}
