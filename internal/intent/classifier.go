package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duckmesh/duckask/internal/config"
	"github.com/duckmesh/duckask/internal/conversation"
	"github.com/duckmesh/duckask/internal/llm"
	"github.com/duckmesh/duckask/internal/observability"
)

type Result struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale,omitempty"`
	// Fallback is set when the model answer was unusable or below the confidence threshold.
	Fallback bool `json:"fallback,omitempty"`
}

type Completer interface {
	Complete(ctx context.Context, task config.Task, prompt llm.Prompt) (string, error)
}

type PromptSource interface {
	Classification(message string, turns []conversation.Turn) (llm.Prompt, error)
}

type Classifier struct {
	llm       Completer
	prompts   PromptSource
	threshold float64
	logger    *slog.Logger
}

func NewClassifier(completer Completer, prompts PromptSource, threshold float64, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Classifier{llm: completer, prompts: prompts, threshold: threshold, logger: logger}
}

// Classify maps message and turns to a category. Unparseable or out-of-set model
// answers fall back to OutOfScope with confidence 0; only model unavailability
// and prompt failures are returned as errors.
func (c *Classifier) Classify(ctx context.Context, message string, turns []conversation.Turn) (Result, error) {
	if strings.TrimSpace(message) == "" {
		return c.fallback(ctx, "empty message", ""), nil
	}

	prompt, err := c.prompts.Classification(message, turns)
	if err != nil {
		return Result{}, fmt.Errorf("build classification prompt: %w", err)
	}
	raw, err := c.llm.Complete(ctx, config.TaskClassification, prompt)
	if err != nil {
		return Result{}, err
	}

	result, err := parseResult(raw)
	if err != nil {
		return c.fallback(ctx, err.Error(), raw), nil
	}
	if result.Category.ContextAware() && len(turns) == 0 {
		result.Category = result.Category.Base()
	}
	if result.Confidence < c.threshold {
		c.logger.WarnContext(ctx, "classification below confidence threshold",
			slog.String("category", string(result.Category)),
			slog.Float64("confidence", result.Confidence),
			slog.Float64("threshold", c.threshold),
		)
		result.Category = OutOfScope
		result.Fallback = true
	}
	observability.ObserveClassification(string(result.Category), result.Fallback)
	return result, nil
}

func (c *Classifier) fallback(ctx context.Context, reason, raw string) Result {
	c.logger.WarnContext(ctx, "classification fallback to out_of_scope",
		slog.String("reason", reason),
		slog.String("response", llm.Truncate(raw, 256)),
	)
	observability.ObserveClassification(string(OutOfScope), true)
	return Result{Category: OutOfScope, Confidence: 0, Fallback: true}
}

func parseResult(raw string) (Result, error) {
	body := llm.ExtractJSON(raw, '{', '}')
	if body == "" {
		return Result{}, fmt.Errorf("no JSON object in classification output")
	}
	var parsed struct {
		Category   string   `json:"category"`
		Confidence *float64 `json:"confidence"`
		Rationale  string   `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return Result{}, fmt.Errorf("decode classification output: %w", err)
	}
	category, ok := Parse(parsed.Category)
	if !ok {
		return Result{}, fmt.Errorf("unknown category %q", parsed.Category)
	}
	if parsed.Confidence == nil {
		return Result{}, fmt.Errorf("confidence is missing")
	}
	if *parsed.Confidence < 0 || *parsed.Confidence > 1 {
		return Result{}, fmt.Errorf("confidence %v out of range", *parsed.Confidence)
	}
	return Result{Category: category, Confidence: *parsed.Confidence, Rationale: strings.TrimSpace(parsed.Rationale)}, nil
}
