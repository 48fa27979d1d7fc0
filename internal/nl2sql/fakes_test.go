package nl2sql

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/duckmesh/duckask/internal/config"
	"github.com/duckmesh/duckask/internal/conversation"
	"github.com/duckmesh/duckask/internal/intent"
	"github.com/duckmesh/duckask/internal/llm"
	"github.com/duckmesh/duckask/internal/metadata"
	"github.com/duckmesh/duckask/internal/prompt"
	"github.com/duckmesh/duckask/internal/query"
)

type scriptedLLM struct {
	mu      sync.Mutex
	sql     []string
	text    map[config.Task]string
	errs    map[config.Task]error
	prompts map[config.Task][]llm.Prompt
}

func newScriptedLLM(sql ...string) *scriptedLLM {
	return &scriptedLLM{
		sql:     sql,
		text:    map[config.Task]string{},
		errs:    map[config.Task]error{},
		prompts: map[config.Task][]llm.Prompt{},
	}
}

func (s *scriptedLLM) Complete(_ context.Context, task config.Task, p llm.Prompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[task] = append(s.prompts[task], p)
	if err := s.errs[task]; err != nil {
		return "", err
	}
	if task != config.TaskSQLGeneration {
		return s.text[task], nil
	}
	if len(s.sql) == 0 {
		return "", fmt.Errorf("no scripted sql left")
	}
	next := s.sql[0]
	if len(s.sql) > 1 {
		s.sql = s.sql[1:]
	}
	return next, nil
}

func (s *scriptedLLM) calls(task config.Task) []llm.Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Prompt(nil), s.prompts[task]...)
}

type fixedClassifier struct {
	result intent.Result
	err    error
	panics bool
	before func()
}

func (f fixedClassifier) Classify(context.Context, string, []conversation.Turn) (intent.Result, error) {
	if f.before != nil {
		f.before()
	}
	if f.panics {
		panic("classifier exploded")
	}
	return f.result, f.err
}

type fakeWarehouse struct {
	mu       sync.Mutex
	dryRun   func(sqlText string) error
	columns  []string
	rows     [][]any
	execErr  error
	dryRuns  []string
	executed []string
}

func (f *fakeWarehouse) DryRun(_ context.Context, sqlText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dryRuns = append(f.dryRuns, sqlText)
	if f.dryRun != nil {
		return f.dryRun(sqlText)
	}
	return nil
}

func (f *fakeWarehouse) Execute(_ context.Context, sqlText string, limits query.Limits) (query.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, sqlText)
	if f.execErr != nil {
		return query.Result{}, f.execErr
	}
	rows := f.rows
	truncated := false
	if limits.MaxRows > 0 && len(rows) > limits.MaxRows {
		rows, truncated = rows[:limits.MaxRows], true
	}
	return query.Result{Columns: f.columns, Rows: rows, RowCount: len(rows), Truncated: truncated}, nil
}

func (f *fakeWarehouse) ListSchema(context.Context, string) ([]query.Column, error) {
	return nil, fmt.Errorf("not used")
}

type staticSnapshots struct {
	snapshot *metadata.Snapshot
}

func (s staticSnapshots) Load() (*metadata.Snapshot, bool) {
	return s.snapshot, s.snapshot != nil
}

func eventsSnapshot() *metadata.Snapshot {
	return &metadata.Snapshot{
		Version:          metadata.ArtifactVersion,
		SnapshotID:       "snap-1",
		GeneratedAt:      time.Now().UTC(),
		GenerationMethod: "llm_synthesized",
		Schema: metadata.Schema{TableID: "events", Columns: []query.Column{
			{Name: "country", Type: "VARCHAR", Nullable: true},
			{Name: "revenue", Type: "DOUBLE", Nullable: true},
		}},
		Examples: []metadata.Example{{Question: "Revenue by country", SQL: "SELECT country, SUM(revenue) FROM events GROUP BY 1"}},
	}
}

func tableRows(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{fmt.Sprintf("C%02d", i), float64(i) * 1.5}
	}
	return rows
}

type harness struct {
	llm       *scriptedLLM
	warehouse *fakeWarehouse
	events    []Event
}

func newOrchestrator(t *testing.T, classification intent.Result, h *harness, snapshot *metadata.Snapshot, mutate func(*config.PipelineConfig)) *Orchestrator {
	t.Helper()
	return newOrchestratorWithClassifier(t, fixedClassifier{result: classification}, h, snapshot, mutate)
}

func newOrchestratorWithClassifier(t *testing.T, classifier Classifier, h *harness, snapshot *metadata.Snapshot, mutate func(*config.PipelineConfig)) *Orchestrator {
	t.Helper()
	registry, err := prompt.NewRegistry("", nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	cfg := config.PipelineConfig{
		MaxAttempts:       2,
		MaxContextTurns:   5,
		ContextSampleRows: 3,
		ResultRowLimit:    200,
		ResultByteLimit:   1 << 20,
		DryRunTimeout:     time.Second,
		ExecutionTimeout:  time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	builder := prompt.NewBuilder(registry, prompt.BuilderConfig{TableID: "events", MaxContextTurns: cfg.MaxContextTurns, ContextSampleRows: cfg.ContextSampleRows}, nil)
	orchestrator, err := New(Dependencies{
		Classifier: classifier,
		Prompts:    builder,
		LLM:        h.llm,
		Warehouse:  h.warehouse,
		Metadata:   staticSnapshots{snapshot: snapshot},
	}, cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return orchestrator
}

func (h *harness) collect(event Event) {
	h.events = append(h.events, event)
}

func (h *harness) stages() []Stage {
	stages := make([]Stage, len(h.events))
	for i, event := range h.events {
		stages[i] = event.Stage
	}
	return stages
}
