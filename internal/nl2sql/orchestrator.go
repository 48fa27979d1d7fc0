package nl2sql

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/duckmesh/duckask/internal/config"
	"github.com/duckmesh/duckask/internal/conversation"
	"github.com/duckmesh/duckask/internal/intent"
	"github.com/duckmesh/duckask/internal/llm"
	"github.com/duckmesh/duckask/internal/metadata"
	"github.com/duckmesh/duckask/internal/observability"
	"github.com/duckmesh/duckask/internal/prompt"
	"github.com/duckmesh/duckask/internal/query"
)

var tracer = otel.Tracer("duckask/nl2sql")

type Completer interface {
	Complete(ctx context.Context, task config.Task, prompt llm.Prompt) (string, error)
}

type Classifier interface {
	Classify(ctx context.Context, message string, turns []conversation.Turn) (intent.Result, error)
}

type PromptBuilder interface {
	Build(in prompt.Input) (llm.Prompt, error)
	Correction(in prompt.Correction) (llm.Prompt, error)
}

type SnapshotSource interface {
	Load() (*metadata.Snapshot, bool)
}

type Dependencies struct {
	Classifier Classifier
	Prompts    PromptBuilder
	LLM        Completer
	Warehouse  query.Warehouse
	Metadata   SnapshotSource
}

type Orchestrator struct {
	classifier Classifier
	prompts    PromptBuilder
	llm        Completer
	metadata   SnapshotSource
	corrector  *Corrector
	executor   *Executor
	config     config.PipelineConfig
	logger     *slog.Logger
	newID      func() string
	clock      func() time.Time
}

func New(deps Dependencies, cfg config.PipelineConfig, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Classifier == nil || deps.Prompts == nil || deps.LLM == nil || deps.Warehouse == nil || deps.Metadata == nil {
		return nil, fmt.Errorf("classifier, prompts, language model, warehouse and metadata are required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxContextTurns <= 0 {
		cfg.MaxContextTurns = conversation.DefaultMaxTurns
	}
	if cfg.ContextSampleRows <= 0 {
		cfg.ContextSampleRows = conversation.DefaultSampleRows
	}
	validator := NewValidator(deps.Warehouse, cfg.DryRunTimeout)
	return &Orchestrator{
		classifier: deps.Classifier,
		prompts:    deps.Prompts,
		llm:        deps.LLM,
		metadata:   deps.Metadata,
		corrector:  NewCorrector(deps.LLM, deps.Prompts, validator, cfg.MaxAttempts, logger),
		executor:   NewExecutor(deps.Warehouse, query.Limits{MaxRows: cfg.ResultRowLimit, MaxBytes: cfg.ResultByteLimit}, cfg.ExecutionTimeout),
		config:     cfg,
		logger:     logger,
		newID:      uuid.NewString,
		clock:      time.Now,
	}, nil
}

// run carries the per-request state.
type run struct {
	id       string
	ctx      context.Context
	req      Request
	turns    []conversation.Turn
	snapshot *metadata.Snapshot
	emit     func(Event)
	seq      int
	result   Result
}

// Run processes one request. emit receives stage events in order and is
// never called after ctx is done. Run always returns a Result; failures are
// reported as a Result of kind error.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit func(Event)) (result Result) {
	start := o.clock()
	r := &run{id: o.newID(), req: req, emit: emit}
	ctx, span := tracer.Start(observability.ContextWithRequestID(ctx, r.id), "nl2sql.run")
	defer span.End()
	r.ctx = ctx
	r.result = Result{RequestID: r.id}
	logger := o.logger.With(slog.String("user_id", req.UserID))

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.ErrorContext(ctx, "pipeline panic", slog.Any("panic", recovered), slog.String("stack", string(debug.Stack())))
			result = o.fail(r, newError(KindInternal, "an internal error occurred", fmt.Errorf("panic: %v", recovered)))
		}
		result.DurationMS = o.clock().Sub(start).Milliseconds()
		errorKind := ""
		if result.Error != nil {
			errorKind = string(result.Error.Kind)
			span.SetStatus(codes.Error, result.Error.Message)
		}
		span.SetAttributes(
			attribute.String("nl2sql.result_kind", string(result.Kind)),
			attribute.String("nl2sql.category", string(result.Category)),
			attribute.Int("nl2sql.attempts", result.AttemptsUsed),
		)
		observability.ObservePipelineResult(string(result.Kind), errorKind, result.AttemptsUsed)
		logger.InfoContext(ctx, "pipeline finished",
			slog.String("kind", string(result.Kind)),
			slog.String("category", string(result.Category)),
			slog.String("error_kind", errorKind),
			slog.Int("attempts", result.AttemptsUsed),
			slog.Int64("duration_ms", result.DurationMS),
		)
	}()

	r.turns = conversation.Recent(req.Turns, o.config.MaxContextTurns)
	if snapshot, ok := o.metadata.Load(); ok {
		r.snapshot = snapshot
		r.result.MetadataAvailable = true
		r.result.MetadataSnapshotID = snapshot.SnapshotID
	} else {
		logger.WarnContext(ctx, "metadata snapshot unavailable; using template fallbacks",
			slog.String("kind", string(KindMetadataUnavailable)))
	}

	var classification intent.Result
	err := o.stage(r, StageClassifying, 0, func(ctx context.Context) error {
		var err error
		classification, err = o.classifier.Classify(ctx, req.Message, r.turns)
		return err
	})
	if err != nil {
		return o.fail(r, err)
	}
	r.result.Category = classification.Category
	r.result.Confidence = classification.Confidence
	if classification.Fallback {
		logger.WarnContext(ctx, "classification fell back to out_of_scope",
			slog.String("kind", string(KindClassificationAmbiguous)))
	}

	switch classification.Category.Base() {
	case intent.QueryRequest:
		err = o.answerQuery(r)
	case intent.DataAnalysis:
		err = o.answerAnalysis(r)
	case intent.MetadataRequest:
		err = o.answerText(r, KindMetadataResult)
	case intent.GuideRequest:
		err = o.answerText(r, KindGuideResult)
	default:
		err = o.answerText(r, KindOutOfScopeResult)
	}
	if err != nil {
		return o.fail(r, err)
	}
	o.emitEvent(r, StageCompleted, 0)
	return r.result
}

func (o *Orchestrator) answerQuery(r *run) error {
	sqlText, err := o.generate(r, r.result.Category)
	if err != nil {
		return err
	}
	if err := o.execute(r, sqlText); err != nil {
		return err
	}
	r.result.Kind = KindQueryResult
	return nil
}

// answerAnalysis analyses the latest prior result, or generates and runs SQL
// first when no prior turn carries rows.
func (o *Orchestrator) answerAnalysis(r *run) error {
	data, dataSQL, ok := conversation.LatestData(r.turns)
	if !ok {
		sqlText, err := o.generate(r, intent.QueryRequest)
		if err != nil {
			return err
		}
		if err := o.execute(r, sqlText); err != nil {
			return err
		}
		fresh := query.Result{Columns: r.result.Columns, Rows: r.result.Rows, RowCount: r.result.RowCount}
		data, dataSQL = conversation.Digest(fresh, o.config.ContextSampleRows*4), sqlText
	}

	built, err := o.prompts.Build(prompt.Input{
		Category: r.result.Category,
		Message:  r.req.Message,
		Turns:    r.turns,
		Snapshot: r.snapshot,
		Data:     data,
		DataSQL:  dataSQL,
	})
	if err != nil {
		return fmt.Errorf("build analysis prompt: %w", err)
	}
	var text string
	err = o.stage(r, StageAnalyzing, 0, func(ctx context.Context) error {
		text, err = o.llm.Complete(ctx, config.TaskDataAnalysis, built)
		return err
	})
	if err != nil {
		return err
	}
	r.result.Kind = KindAnalysisResult
	r.result.Text = strings.TrimSpace(text)
	return nil
}

func (o *Orchestrator) answerText(r *run, kind ResultKind) error {
	built, err := o.prompts.Build(prompt.Input{
		Category: r.result.Category,
		Message:  r.req.Message,
		Turns:    r.turns,
		Snapshot: r.snapshot,
	})
	if err != nil {
		return fmt.Errorf("build %s prompt: %w", kind, err)
	}
	var text string
	err = o.stage(r, StageAnswering, 0, func(ctx context.Context) error {
		text, err = o.llm.Complete(ctx, r.result.Category.Task(), built)
		return err
	})
	if err != nil {
		return err
	}
	r.result.Kind = kind
	r.result.Text = strings.TrimSpace(text)
	if kind == KindMetadataResult && r.snapshot != nil {
		r.result.SchemaColumns = r.snapshot.Schema.Columns
	}
	return nil
}

func (o *Orchestrator) generate(r *run, category intent.Category) (string, error) {
	initial, err := o.prompts.Build(prompt.Input{
		Category: category,
		Message:  r.req.Message,
		Turns:    r.turns,
		Snapshot: r.snapshot,
	})
	if err != nil {
		return "", fmt.Errorf("build generation prompt: %w", err)
	}

	start := o.clock()
	ctx, span := tracer.Start(r.ctx, "nl2sql.generate")
	defer span.End()
	gen, err := o.corrector.Generate(ctx, GenerateRequest{Message: r.req.Message, Prompt: initial, Snapshot: r.snapshot}, func(state State, attempt int) {
		switch state {
		case StateGenerating:
			o.emitEvent(r, StageGenerating, attempt+1)
		case StateValidating:
			o.emitEvent(r, StageValidating, attempt+1)
		case StateCorrecting:
			o.emitEvent(r, StageCorrecting, attempt+1)
		}
	})
	observability.ObserveStage(string(StageGenerating), o.clock().Sub(start))
	r.result.Attempts = gen.Attempts
	r.result.AttemptsUsed = len(gen.Attempts)
	span.SetAttributes(attribute.Int("nl2sql.attempts", len(gen.Attempts)), attribute.String("nl2sql.state", string(gen.State)))
	if err != nil {
		span.RecordError(err)
		if len(gen.Attempts) > 0 {
			r.result.SQL = gen.Attempts[len(gen.Attempts)-1].SQL
		}
		return "", err
	}
	r.result.SQL = gen.SQL
	return gen.SQL, nil
}

func (o *Orchestrator) execute(r *run, sqlText string) error {
	var result query.Result
	err := o.stage(r, StageExecuting, 0, func(ctx context.Context) error {
		var err error
		result, err = o.executor.Execute(ctx, sqlText)
		return err
	})
	if err != nil {
		return err
	}
	r.result.Columns = result.Columns
	r.result.ColumnTypes = result.ColumnTypes
	r.result.Rows = result.Rows
	r.result.RowCount = result.RowCount
	r.result.Truncated = result.Truncated
	r.result.Digest = conversation.Digest(result, o.config.ContextSampleRows)
	return nil
}

// stage emits the stage event, runs fn under a span and records its
// duration. A request whose ctx ended during fn is reported as cancelled.
func (o *Orchestrator) stage(r *run, stage Stage, attempt int, fn func(ctx context.Context) error) error {
	if err := r.ctx.Err(); err != nil {
		return newError(KindRequestCancelled, "the request was cancelled", err)
	}
	o.emitEvent(r, stage, attempt)
	ctx, span := tracer.Start(r.ctx, "nl2sql."+string(stage))
	defer span.End()

	start := o.clock()
	err := fn(ctx)
	observability.ObserveStage(string(stage), o.clock().Sub(start))
	if ctxErr := r.ctx.Err(); ctxErr != nil {
		return newError(KindRequestCancelled, "the request was cancelled", ctxErr)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (o *Orchestrator) emitEvent(r *run, stage Stage, attempt int) {
	if r.emit == nil || r.ctx.Err() != nil {
		return
	}
	r.seq++
	r.emit(Event{Seq: r.seq, RequestID: r.id, Stage: stage, Attempt: attempt, Timestamp: o.clock().UTC()})
}

func (o *Orchestrator) fail(r *run, err error) Result {
	pipelineErr := AsError(err)
	level := slog.LevelError
	if pipelineErr.Kind == KindSQLInvalid || pipelineErr.Kind == KindRequestCancelled {
		level = slog.LevelWarn
	}
	o.logger.Log(r.ctx, level, "pipeline request failed",
		slog.String("kind", string(pipelineErr.Kind)),
		slog.Any("error", err),
	)
	o.emitEvent(r, StageFailed, 0)
	result := r.result
	result.Kind = KindErrorResult
	result.Error = &ErrorInfo{Kind: pipelineErr.Kind, Message: pipelineErr.Message}
	result.Rows = nil
	return result
}
