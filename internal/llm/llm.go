// Package llm sends prompts to a chat-completion language model. Model id,
// output budget, sampling temperature and timeout are resolved per task from
// configuration; transient provider failures are retried with backoff.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnavailable marks failures after which the model could not produce a completion.
var ErrUnavailable = errors.New("language model unavailable")

type Prompt struct {
	System string
	User   string
}

type Request struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat completion failed status=%d body=%s", e.StatusCode, e.Body)
}

// Transient reports whether a retry may succeed.
func (e *StatusError) Transient() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

func isTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	var emptyErr *emptyCompletionError
	return !errors.As(err, &emptyErr)
}

type emptyCompletionError struct{}

func (*emptyCompletionError) Error() string {
	return "empty chat completion"
}
