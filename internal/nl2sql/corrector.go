package nl2sql

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duckmesh/duckask/internal/config"
	"github.com/duckmesh/duckask/internal/llm"
	"github.com/duckmesh/duckask/internal/metadata"
	"github.com/duckmesh/duckask/internal/prompt"
)

type State string

const (
	StateGenerating State = "generating"
	StateValidating State = "validating"
	StateCorrecting State = "correcting"
	StateValid      State = "valid"
	StateFailed     State = "failed"
)

const DefaultMaxAttempts = 2

// Attempt is one generate-and-validate cycle.
type Attempt struct {
	Index      int              `json:"index"`
	Prompt     llm.Prompt       `json:"-"`
	RawOutput  string           `json:"-"`
	SQL        string           `json:"sql"`
	Validation ValidationResult `json:"validation"`
}

type Generation struct {
	State    State
	SQL      string
	Attempts []Attempt
}

type GenerateRequest struct {
	Message  string
	Prompt   llm.Prompt
	Snapshot *metadata.Snapshot
}

// Corrector runs the bounded generate, validate, correct loop.
type Corrector struct {
	llm         Completer
	prompts     PromptBuilder
	validator   *Validator
	maxAttempts int
	logger      *slog.Logger
}

func NewCorrector(completer Completer, prompts PromptBuilder, validator *Validator, maxAttempts int, logger *slog.Logger) *Corrector {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Corrector{llm: completer, prompts: prompts, validator: validator, maxAttempts: maxAttempts, logger: logger}
}

func (c *Corrector) MaxAttempts() int {
	return c.maxAttempts
}

// Generate returns a Generation in StateValid, or a *Error of kind
// sql_invalid once maxAttempts attempts were rejected. observe is called on
// every state entered except the terminal ones, with the zero-based attempt index.
func (c *Corrector) Generate(ctx context.Context, req GenerateRequest, observe func(State, int)) (Generation, error) {
	if observe == nil {
		observe = func(State, int) {}
	}
	gen := Generation{State: StateGenerating}
	current := req.Prompt
	var attempt Attempt

	for {
		switch gen.State {
		case StateGenerating:
			observe(StateGenerating, len(gen.Attempts))
			raw, err := c.llm.Complete(ctx, config.TaskSQLGeneration, current)
			if err != nil {
				return gen, err
			}
			attempt = Attempt{Index: len(gen.Attempts), Prompt: current, RawOutput: raw, SQL: llm.ExtractSQL(raw)}
			gen.State = StateValidating

		case StateValidating:
			observe(StateValidating, attempt.Index)
			validation, err := c.validator.Validate(ctx, attempt.SQL)
			if err != nil {
				return gen, err
			}
			attempt.Validation = validation
			gen.Attempts = append(gen.Attempts, attempt)
			switch {
			case validation.Valid:
				gen.State = StateValid
			case len(gen.Attempts) >= c.maxAttempts:
				gen.State = StateFailed
			default:
				gen.State = StateCorrecting
			}

		case StateCorrecting:
			observe(StateCorrecting, attempt.Index+1)
			c.logger.DebugContext(ctx, "correcting rejected sql",
				slog.Int("attempt", attempt.Index),
				slog.String("error", attempt.Validation.Error),
			)
			next, err := c.prompts.Correction(prompt.Correction{
				Message:         req.Message,
				PreviousSQL:     rejectedText(attempt),
				ValidationError: attempt.Validation.Error,
				Snapshot:        req.Snapshot,
			})
			if err != nil {
				return gen, fmt.Errorf("build correction prompt: %w", err)
			}
			current = next
			gen.State = StateGenerating

		case StateValid:
			gen.SQL = attempt.SQL
			return gen, nil

		case StateFailed:
			return gen, newError(KindSQLInvalid,
				fmt.Sprintf("query generation failed after %d attempt(s): %s", len(gen.Attempts), attempt.Validation.Error), nil)

		default:
			return gen, fmt.Errorf("unknown generation state %q", gen.State)
		}
	}
}

func rejectedText(attempt Attempt) string {
	if attempt.SQL != "" {
		return attempt.SQL
	}
	raw := strings.TrimSpace(attempt.RawOutput)
	if raw == "" {
		return "(empty response)"
	}
	if len(raw) > 2000 {
		raw = raw[:2000]
	}
	return raw
}
