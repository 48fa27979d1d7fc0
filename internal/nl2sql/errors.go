// Package nl2sql turns a question into validated, executed SQL. The
// Orchestrator classifies the request, builds the prompt, generates SQL
// through a bounded correction loop, runs it and, for analysis requests,
// interprets the rows.
package nl2sql

import (
	"context"
	"errors"
	"fmt"

	"github.com/duckmesh/duckask/internal/llm"
)

type ErrorKind string

const (
	KindClassificationAmbiguous ErrorKind = "classification_ambiguous"
	KindLLMUnavailable          ErrorKind = "llm_unavailable"
	KindSQLInvalid              ErrorKind = "sql_invalid"
	KindExecutionFailed         ErrorKind = "execution_failed"
	KindMetadataUnavailable     ErrorKind = "metadata_unavailable"
	KindMetadataPublishFailed   ErrorKind = "metadata_publish_failed"
	KindInternal                ErrorKind = "internal_error"
	KindRequestCancelled        ErrorKind = "request_cancelled"
)

// Error is a pipeline failure with a user-facing message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// AsError maps any error onto a pipeline Error.
func AsError(err error) *Error {
	var pipelineErr *Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pipelineErr):
		return pipelineErr
	case errors.Is(err, context.Canceled):
		return newError(KindRequestCancelled, "the request was cancelled", err)
	case errors.Is(err, llm.ErrUnavailable):
		return newError(KindLLMUnavailable, "the language model is unavailable, please try again later", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindLLMUnavailable, "the language model did not answer in time", err)
	default:
		return newError(KindInternal, "an internal error occurred", err)
	}
}
