package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duckmesh/duckask/internal/query"
)

// Executor runs validated SQL with row and byte caps. Failures are
// execution_failed and never go back through correction.
type Executor struct {
	warehouse query.Warehouse
	limits    query.Limits
	timeout   time.Duration
}

func NewExecutor(warehouse query.Warehouse, limits query.Limits, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Executor{warehouse: warehouse, limits: limits, timeout: timeout}
}

func (e *Executor) Execute(ctx context.Context, sqlText string) (query.Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := e.warehouse.Execute(execCtx, sqlText, e.limits)
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return query.Result{}, ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return query.Result{}, newError(KindExecutionFailed, fmt.Sprintf("query execution timed out after %s", e.timeout), err)
	}
	return query.Result{}, newError(KindExecutionFailed, "query execution failed: "+err.Error(), err)
}
