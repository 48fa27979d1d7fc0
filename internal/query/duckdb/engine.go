package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/duckask/internal/query"
	"github.com/duckmesh/duckask/internal/storage"
)

type Options struct {
	// DSN is the DuckDB database path; empty opens an in-memory database.
	DSN string
	// Store serves parquet files referenced by Tables.
	Store storage.ObjectStore
	// Tables maps a view name to the object keys of its parquet files.
	Tables map[string][]string
}

// Warehouse runs statements on an embedded DuckDB database. Parquet sources are
// copied from the object store once at Open and exposed as views.
type Warehouse struct {
	db      *sql.DB
	workDir string
}

func Open(ctx context.Context, opts Options) (*Warehouse, error) {
	if len(opts.Tables) > 0 && opts.Store == nil {
		return nil, fmt.Errorf("object store is required for parquet tables")
	}

	db, err := sql.Open("duckdb", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	warehouse := &Warehouse{db: db}
	if len(opts.Tables) == 0 {
		return warehouse, nil
	}

	workDir, err := os.MkdirTemp("", "duckask-warehouse-")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create warehouse temp dir: %w", err)
	}
	warehouse.workDir = workDir
	if err := warehouse.materialize(ctx, opts.Store, opts.Tables); err != nil {
		_ = warehouse.Close()
		return nil, err
	}
	return warehouse, nil
}

func (w *Warehouse) Close() error {
	err := w.db.Close()
	if w.workDir != "" {
		_ = os.RemoveAll(w.workDir)
	}
	return err
}

func (w *Warehouse) DryRun(ctx context.Context, sqlText string) error {
	sqlText = query.StripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return fmt.Errorf("sql is required")
	}
	rows, err := w.db.QueryContext(ctx, "EXPLAIN "+sqlText)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return query.NewEngineError(err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return query.NewEngineError(err)
	}
	return nil
}

func (w *Warehouse) Execute(ctx context.Context, sqlText string, limits query.Limits) (query.Result, error) {
	sqlText = query.StripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}

	start := time.Now()
	rows, err := w.db.QueryContext(ctx, query.WrapRowLimit(sqlText, limits.MaxRows))
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result, err := query.CollectRows(rows, limits)
	if err != nil {
		return query.Result{}, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (w *Warehouse) ListSchema(ctx context.Context, tableID string) ([]query.Column, error) {
	schema, table, err := query.SplitTableID(tableID)
	if err != nil {
		return nil, err
	}
	target := query.QuoteIdent(table)
	if schema != "" {
		target = query.QuoteIdent(schema) + "." + target
	}

	rows, err := w.db.QueryContext(ctx, "DESCRIBE "+target)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", tableID, err)
	}
	defer func() { _ = rows.Close() }()

	columns := make([]query.Column, 0)
	for rows.Next() {
		var (
			name, columnType, nullable string
			key, defaultValue, extra   sql.NullString
		)
		if err := rows.Scan(&name, &columnType, &nullable, &key, &defaultValue, &extra); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, query.Column{Name: name, Type: columnType, Nullable: strings.EqualFold(nullable, "YES")})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns", tableID)
	}

	comments, err := w.columnComments(ctx, schema, table)
	if err != nil {
		return nil, err
	}
	for i := range columns {
		columns[i].Description = comments[columns[i].Name]
	}
	return columns, nil
}

func (w *Warehouse) columnComments(ctx context.Context, schema, table string) (map[string]string, error) {
	statement := `SELECT column_name, comment FROM duckdb_columns() WHERE table_name = ?`
	args := []any{table}
	if schema != "" {
		statement += ` AND schema_name = ?`
		args = append(args, schema)
	}
	rows, err := w.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("list column comments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	comments := map[string]string{}
	for rows.Next() {
		var name string
		var comment sql.NullString
		if err := rows.Scan(&name, &comment); err != nil {
			return nil, fmt.Errorf("scan column comment: %w", err)
		}
		if comment.Valid {
			comments[name] = comment.String
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column comments: %w", err)
	}
	return comments, nil
}

func (w *Warehouse) materialize(ctx context.Context, store storage.ObjectStore, tables map[string][]string) error {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, tableName := range names {
		keys := tables[tableName]
		if len(keys) == 0 {
			return fmt.Errorf("table %q has no parquet sources", tableName)
		}
		localPaths := make([]string, 0, len(keys))
		for index, key := range keys {
			localPath := filepath.Join(w.workDir, fmt.Sprintf("%s_%d.parquet", sanitizeFileComponent(tableName), index))
			if err := download(ctx, store, key, localPath); err != nil {
				return err
			}
			localPaths = append(localPaths, localPath)
		}
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, query.QuoteIdent(tableName), quoteStringArray(localPaths))
		if _, err := w.db.ExecContext(ctx, viewSQL); err != nil {
			return fmt.Errorf("create view for table %q: %w", tableName, err)
		}
	}
	return nil
}

func download(ctx context.Context, store storage.ObjectStore, key, localPath string) error {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local parquet file %q: %w", localPath, err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return fmt.Errorf("write local parquet file %q: %w", localPath, err)
	}
	return file.Close()
}

// ParseTableSources parses "events=a.parquet|b.parquet;sessions=c.parquet".
func ParseTableSources(raw string) (map[string][]string, error) {
	tables := map[string][]string{}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, sources, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parquet table entry %q", entry)
		}
		for _, key := range strings.Split(sources, "|") {
			if key = strings.TrimSpace(key); key != "" {
				tables[name] = append(tables[name], key)
			}
		}
		if len(tables[name]) == 0 {
			return nil, fmt.Errorf("parquet table %q has no sources", name)
		}
	}
	return tables, nil
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table"
	}
	return value
}
