package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/duckmesh/duckask/internal/query"
)

type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("warehouse dsn is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open warehouse db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping warehouse db: %w", err)
	}

	return db, nil
}

// Warehouse runs statements against PostgreSQL. Dry runs use EXPLAIN without
// ANALYZE and executions run inside read-only transactions.
type Warehouse struct {
	db *sql.DB
}

func New(db *sql.DB) *Warehouse {
	return &Warehouse{db: db}
}

func (w *Warehouse) Close() error {
	return w.db.Close()
}

func (w *Warehouse) DryRun(ctx context.Context, sqlText string) error {
	sqlText = query.StripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return fmt.Errorf("sql is required")
	}
	var plan string
	if err := w.db.QueryRowContext(ctx, "EXPLAIN (FORMAT JSON) "+sqlText).Scan(&plan); err != nil {
		return classify(ctx, err)
	}
	return nil
}

func (w *Warehouse) Execute(ctx context.Context, sqlText string, limits query.Limits) (query.Result, error) {
	sqlText = query.StripTrailingSemicolons(sqlText)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}

	start := time.Now()
	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query.WrapRowLimit(sqlText, limits.MaxRows))
	if err != nil {
		return query.Result{}, fmt.Errorf("execute query: %w", classify(ctx, err))
	}
	result, err := query.CollectRows(rows, limits)
	_ = rows.Close()
	if err != nil {
		return query.Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return query.Result{}, fmt.Errorf("commit read-only transaction: %w", err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

func (w *Warehouse) ListSchema(ctx context.Context, tableID string) ([]query.Column, error) {
	schema, table, err := query.SplitTableID(tableID)
	if err != nil {
		return nil, err
	}
	if schema == "" {
		schema = "public"
	}

	rows, err := w.db.QueryContext(ctx, `
SELECT c.column_name, c.data_type, c.is_nullable,
       COALESCE(col_description(format('%I.%I', c.table_schema, c.table_name)::regclass::oid, c.ordinal_position), '')
FROM information_schema.columns c
WHERE c.table_schema = $1 AND c.table_name = $2
ORDER BY c.ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", tableID, err)
	}
	defer func() { _ = rows.Close() }()

	columns := make([]query.Column, 0)
	for rows.Next() {
		var column query.Column
		var nullable string
		if err := rows.Scan(&column.Name, &column.Type, &nullable, &column.Description); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		column.Nullable = strings.EqualFold(nullable, "YES")
		columns = append(columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns", tableID)
	}
	return columns, nil
}

// classify turns server-side rejections into *query.EngineError carrying the
// server's message. Connection and context failures pass through unchanged.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		message := pgErr.Message
		if pgErr.Detail != "" {
			message += ": " + pgErr.Detail
		}
		return &query.EngineError{Message: fmt.Sprintf("%s (SQLSTATE %s)", message, pgErr.Code), Err: err}
	}
	return err
}
