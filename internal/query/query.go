package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Nullable    bool   `json:"nullable"`
	Description string `json:"description,omitempty"`
}

// Limits bounds the rows and the approximate JSON-encoded size returned by Execute.
// Zero means unbounded.
type Limits struct {
	MaxRows  int
	MaxBytes int64
}

type Result struct {
	Columns     []string
	ColumnTypes []string
	Rows        [][]any
	RowCount    int
	Truncated   bool
	Duration    time.Duration
}

// Warehouse is the analytical engine the pipeline validates and runs SQL against.
type Warehouse interface {
	// DryRun plans sql without reading data. Engine rejections are returned as *EngineError.
	DryRun(ctx context.Context, sqlText string) error
	Execute(ctx context.Context, sqlText string, limits Limits) (Result, error)
	ListSchema(ctx context.Context, tableID string) ([]Column, error)
}

// EngineError carries the engine's literal message for a rejected statement.
type EngineError struct {
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func NewEngineError(err error) *EngineError {
	return &EngineError{Message: strings.TrimSpace(err.Error()), Err: err}
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// WrapRowLimit caps a statement at limit+1 rows so callers can detect truncation.
func WrapRowLimit(sqlText string, limit int) string {
	if limit <= 0 {
		return sqlText
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", sqlText, limit+1)
}

// CollectRows drains rows into a Result, honouring limits.
func CollectRows(rows *sql.Rows, limits Limits) (Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("query columns: %w", err)
	}
	columnTypes := make([]string, len(columns))
	if types, err := rows.ColumnTypes(); err == nil {
		for i, columnType := range types {
			columnTypes[i] = strings.ToUpper(columnType.DatabaseTypeName())
		}
	}

	result := Result{Columns: columns, ColumnTypes: columnTypes, Rows: make([][]any, 0)}
	var usedBytes int64
	for rows.Next() {
		if limits.MaxRows > 0 && len(result.Rows) >= limits.MaxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		row := NormalizeValues(values)
		if limits.MaxBytes > 0 {
			usedBytes += rowSize(row)
			if usedBytes > limits.MaxBytes {
				result.Truncated = true
				break
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

func NormalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case time.Time:
			normalized[i] = typed.UTC().Format(time.RFC3339Nano)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func rowSize(row []any) int64 {
	encoded, err := json.Marshal(row)
	if err != nil {
		return int64(len(fmt.Sprint(row)))
	}
	return int64(len(encoded))
}

// SplitTableID splits "schema.table" into its parts; schema is empty when absent.
func SplitTableID(tableID string) (string, string, error) {
	tableID = strings.TrimSpace(tableID)
	if tableID == "" {
		return "", "", fmt.Errorf("table id is required")
	}
	parts := strings.Split(tableID, ".")
	switch len(parts) {
	case 1:
		return "", parts[0], nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return "", "", fmt.Errorf("invalid table id %q", tableID)
		}
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("invalid table id %q", tableID)
	}
}

func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
