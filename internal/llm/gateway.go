package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/duckmesh/duckask/internal/config"
	"github.com/duckmesh/duckask/internal/observability"
)

var tracer = otel.Tracer("duckask/llm")

// Gateway resolves the per-task model configuration and performs bounded retries.
type Gateway struct {
	client Client
	cfg    config.LLMConfig
	logger *slog.Logger
}

func NewGateway(client Client, cfg config.LLMConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gateway{client: client, cfg: cfg, logger: logger}
}

// Complete returns the raw completion text for prompt under task's configuration.
// Exhausted or non-retryable provider failures wrap ErrUnavailable; a cancelled
// ctx is returned as the context error.
func (g *Gateway) Complete(ctx context.Context, task config.Task, prompt Prompt) (string, error) {
	taskCfg := g.cfg.Task(task)
	ctx, span := tracer.Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.task", string(task)),
		attribute.String("llm.model", taskCfg.Model),
	)

	req := Request{
		Model:       taskCfg.Model,
		System:      prompt.System,
		User:        prompt.User,
		MaxTokens:   taskCfg.MaxTokens,
		Temperature: taskCfg.Temperature,
	}

	start := time.Now()
	attempts := 0
	text, err := backoff.RetryWithData(func() (string, error) {
		attempts++
		callCtx := ctx
		if taskCfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, taskCfg.Timeout)
			defer cancel()
		}
		text, err := g.client.Complete(callCtx, req)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		if !isTransient(err) {
			return "", backoff.Permanent(err)
		}
		g.logger.WarnContext(ctx, "llm call failed, retrying",
			slog.String("task", string(task)),
			slog.Int("attempt", attempts),
			slog.Any("error", err),
		)
		return "", err
	}, backoff.WithContext(backoff.WithMaxRetries(g.retryPolicy(), uint64(max(g.cfg.MaxRetries, 0))), ctx))
	span.SetAttributes(attribute.Int("llm.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			observability.ObserveLLMCall(string(task), "cancelled", time.Since(start))
			return "", fmt.Errorf("%s completion: %w", task, ctxErr)
		}
		observability.ObserveLLMCall(string(task), "error", time.Since(start))
		return "", fmt.Errorf("%w: %s completion after %d attempt(s): %w", ErrUnavailable, task, attempts, err)
	}
	observability.ObserveLLMCall(string(task), "ok", time.Since(start))
	return text, nil
}

func (g *Gateway) retryPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	if g.cfg.RetryBackoff > 0 {
		policy.InitialInterval = g.cfg.RetryBackoff
	}
	policy.MaxInterval = 10 * policy.InitialInterval
	policy.MaxElapsedTime = 0
	return policy
}
