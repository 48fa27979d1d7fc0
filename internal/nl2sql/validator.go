package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/duckmesh/duckask/internal/observability"
	"github.com/duckmesh/duckask/internal/query"
)

type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Validator checks candidate SQL with the warehouse dry-run facility. It
// never executes the statement.
type Validator struct {
	warehouse query.Warehouse
	timeout   time.Duration
}

func NewValidator(warehouse query.Warehouse, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{warehouse: warehouse, timeout: timeout}
}

// Validate reports whether sqlText is a single read-only statement the
// engine accepts. Rejections, dry-run timeouts and connection failures all
// produce an invalid result; the returned error is only ever ctx's.
func (v *Validator) Validate(ctx context.Context, sqlText string) (ValidationResult, error) {
	result := v.validate(ctx, sqlText)
	if err := ctx.Err(); err != nil {
		return result, err
	}
	observability.ObserveValidation(result.Valid)
	return result, nil
}

func (v *Validator) validate(ctx context.Context, sqlText string) ValidationResult {
	sqlText = strings.TrimSpace(sqlText)
	if sqlText == "" {
		return ValidationResult{Error: "no SQL statement was found in the model output"}
	}
	if err := query.CheckReadOnly(sqlText); err != nil {
		return ValidationResult{Error: err.Error()}
	}

	dryCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	err := v.warehouse.DryRun(dryCtx, sqlText)
	if err == nil {
		return ValidationResult{Valid: true}
	}

	var engineErr *query.EngineError
	switch {
	case errors.As(err, &engineErr):
		return ValidationResult{Error: engineErr.Message}
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return ValidationResult{Error: fmt.Sprintf("dry run timed out after %s", v.timeout)}
	default:
		return ValidationResult{Error: err.Error()}
	}
}
