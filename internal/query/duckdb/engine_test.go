package duckdb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/duckask/internal/query"
	"github.com/duckmesh/duckask/internal/storage"
)

type eventRow struct {
	ID      int64  `parquet:"id"`
	Country string `parquet:"country"`
	Revenue int64  `parquet:"revenue"`
}

func TestExecuteReadsParquetThroughObjectStore(t *testing.T) {
	warehouse := openEventsWarehouse(t, []eventRow{{1, "DE", 10}, {2, "US", 20}, {3, "US", 5}})

	result, err := warehouse.Execute(context.Background(), "SELECT country, SUM(revenue) AS total FROM events GROUP BY country ORDER BY country;", query.Limits{MaxRows: 10})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowCount != 2 || result.Truncated {
		t.Fatalf("RowCount/Truncated = %d/%v", result.RowCount, result.Truncated)
	}
	if strings.Join(result.Columns, ",") != "country,total" {
		t.Fatalf("Columns = %v", result.Columns)
	}
	if result.Rows[1][0] != "US" {
		t.Fatalf("second row = %#v", result.Rows[1])
	}
}

func TestExecuteAppliesRowCap(t *testing.T) {
	warehouse := openEventsWarehouse(t, []eventRow{{1, "DE", 10}, {2, "US", 20}, {3, "US", 5}})

	result, err := warehouse.Execute(context.Background(), "SELECT * FROM events ORDER BY id", query.Limits{MaxRows: 2})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowCount != 2 || !result.Truncated {
		t.Fatalf("RowCount/Truncated = %d/%v, want 2/true", result.RowCount, result.Truncated)
	}
}

func TestExecuteAppliesByteCap(t *testing.T) {
	warehouse := openEventsWarehouse(t, []eventRow{{1, "DE", 10}, {2, "US", 20}, {3, "US", 5}})

	result, err := warehouse.Execute(context.Background(), "SELECT * FROM events ORDER BY id", query.Limits{MaxRows: 100, MaxBytes: 20})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Truncated || result.RowCount != 1 {
		t.Fatalf("RowCount/Truncated = %d/%v, want 1/true", result.RowCount, result.Truncated)
	}
}

func TestDryRunAcceptsValidStatement(t *testing.T) {
	warehouse := openEventsWarehouse(t, []eventRow{{1, "DE", 10}})
	if err := warehouse.DryRun(context.Background(), "SELECT country, COUNT(*) FROM events GROUP BY country"); err != nil {
		t.Fatalf("DryRun() error = %v", err)
	}
}

func TestDryRunReturnsEngineErrorWithColumnName(t *testing.T) {
	warehouse := openEventsWarehouse(t, []eventRow{{1, "DE", 10}})

	err := warehouse.DryRun(context.Background(), "SELECT foo FROM events")
	var engineErr *query.EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("DryRun() err = %v, want *query.EngineError", err)
	}
	if !strings.Contains(engineErr.Message, "foo") {
		t.Fatalf("engine message = %q, want it to name the column", engineErr.Message)
	}
}

func TestListSchemaDescribesView(t *testing.T) {
	warehouse := openEventsWarehouse(t, []eventRow{{1, "DE", 10}})

	columns, err := warehouse.ListSchema(context.Background(), "events")
	if err != nil {
		t.Fatalf("ListSchema() error = %v", err)
	}
	if len(columns) != 3 {
		t.Fatalf("columns = %+v", columns)
	}
	if columns[0].Name != "id" || columns[0].Type != "BIGINT" {
		t.Fatalf("first column = %+v", columns[0])
	}
	if columns[1].Name != "country" {
		t.Fatalf("second column = %+v", columns[1])
	}
}

func TestListSchemaUnknownTable(t *testing.T) {
	warehouse := openEventsWarehouse(t, []eventRow{{1, "DE", 10}})
	if _, err := warehouse.ListSchema(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown table")
	}
}

func TestParseTableSources(t *testing.T) {
	tables, err := ParseTableSources("events=a.parquet|b.parquet; sessions=c.parquet")
	if err != nil {
		t.Fatalf("ParseTableSources() error = %v", err)
	}
	if len(tables["events"]) != 2 || tables["sessions"][0] != "c.parquet" {
		t.Fatalf("tables = %#v", tables)
	}
	if _, err := ParseTableSources("events="); err == nil {
		t.Fatal("expected error for empty sources")
	}
}

func TestOpenRequiresStoreForTables(t *testing.T) {
	if _, err := Open(context.Background(), Options{Tables: map[string][]string{"events": {"a.parquet"}}}); err == nil {
		t.Fatal("expected error without object store")
	}
}

func openEventsWarehouse(t *testing.T, rows []eventRow) *Warehouse {
	t.Helper()
	parquetBytes, err := buildParquet(rows)
	if err != nil {
		t.Fatalf("buildParquet() error = %v", err)
	}
	store := &memoryStore{objects: map[string][]byte{"warehouse/events/part-0.parquet": parquetBytes}}
	warehouse, err := Open(context.Background(), Options{
		Store:  store,
		Tables: map[string][]string{"events": {"warehouse/events/part-0.parquet"}},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = warehouse.Close() })
	return warehouse
}

func buildParquet(rows []eventRow) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[eventRow](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type memoryStore struct {
	objects map[string][]byte
}

func (m *memoryStore) Put(context.Context, string, io.Reader, int64, storage.PutOptions) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	body, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (m *memoryStore) Stat(context.Context, string) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, nil
}

func (m *memoryStore) List(context.Context, string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (m *memoryStore) Delete(context.Context, string) error {
	return nil
}
