package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/duckmesh/duckask/internal/config"
	"github.com/duckmesh/duckask/internal/llm"
	"github.com/duckmesh/duckask/internal/observability"
	"github.com/duckmesh/duckask/internal/query"
	"github.com/duckmesh/duckask/internal/storage"
)

type Completer interface {
	Complete(ctx context.Context, task config.Task, prompt llm.Prompt) (string, error)
}

type PromptSource interface {
	MetadataExamples(schema Schema, count int) (llm.Prompt, error)
	MetadataInsights(schema Schema) (llm.Prompt, error)
}

type PublisherConfig struct {
	TableID          string
	ArtifactKey      string
	HistoryPrefix    string
	ExampleCount     int
	GenerationMethod string
	CreatedBy        string
	// HistoryKeep is how many archived snapshots survive a publish; 0 keeps all.
	HistoryKeep     int
	PublishInterval time.Duration
	DryRunTimeout   time.Duration
}

// Publisher harvests the warehouse schema, synthesises examples and insights,
// and replaces the published artifact. A failed step leaves the previous
// artifact untouched. Publishes on one Publisher never overlap.
type Publisher struct {
	Warehouse   query.Warehouse
	ObjectStore storage.ObjectStore
	LLM         Completer
	Prompts     PromptSource
	Config      PublisherConfig
	Logger      *slog.Logger
	Clock       func() time.Time
	NewID       func() string

	defaults sync.Once
	// slot holds one token while a publish is in progress.
	slot chan struct{}
}

type PublishSummary struct {
	SnapshotID        string    `json:"snapshot_id"`
	GeneratedAt       time.Time `json:"generated_at"`
	ArtifactKey       string    `json:"artifact_key"`
	HistoryKey        string    `json:"history_key"`
	HistoryPruned     int       `json:"history_pruned"`
	Columns           int       `json:"columns"`
	ExamplesGenerated int       `json:"examples_generated"`
	ExamplesPublished int       `json:"examples_published"`
	ExamplesDropped   int       `json:"examples_dropped"`
	Insights          bool      `json:"insights"`
	Duration          string    `json:"duration"`
}

func (p *Publisher) Run(ctx context.Context) error {
	p.ensureDefaults()

	ticker := time.NewTicker(p.Config.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := p.PublishOnce(ctx)
			if err != nil {
				p.Logger.ErrorContext(ctx, "metadata publish failed", slog.Any("error", err))
				continue
			}
			p.Logger.InfoContext(ctx, "metadata publish completed", slog.Any("summary", summary))
		}
	}
}

func (p *Publisher) PublishOnce(ctx context.Context) (PublishSummary, error) {
	p.ensureDefaults()
	if err := p.validate(); err != nil {
		observability.ObserveMetadataPublish("error", 0)
		return PublishSummary{}, err
	}
	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		return PublishSummary{}, ctx.Err()
	}
	defer func() { <-p.slot }()

	start := p.Clock()
	summary, err := p.publish(ctx)
	summary.Duration = p.Clock().Sub(start).String()
	if err != nil {
		observability.ObserveMetadataPublish("error", summary.ExamplesDropped)
		return summary, err
	}
	observability.ObserveMetadataPublish("ok", summary.ExamplesDropped)
	return summary, nil
}

func (p *Publisher) publish(ctx context.Context) (PublishSummary, error) {
	summary := PublishSummary{ArtifactKey: p.Config.ArtifactKey}

	columns, err := p.Warehouse.ListSchema(ctx, p.Config.TableID)
	if err != nil {
		return summary, fmt.Errorf("fetch schema: %w", err)
	}
	schema := Schema{TableID: p.Config.TableID, Columns: columns}
	summary.Columns = len(columns)

	var (
		examples []Example
		insights *Insights
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		generated, err := p.generateExamples(groupCtx, schema)
		examples = generated
		return err
	})
	group.Go(func() error {
		generated, err := p.generateInsights(groupCtx, schema)
		insights = generated
		return err
	})
	if err := group.Wait(); err != nil {
		return summary, err
	}
	summary.ExamplesGenerated = len(examples)
	summary.Insights = insights != nil

	valid := p.validExamples(ctx, examples)
	summary.ExamplesDropped = len(examples) - len(valid)
	if len(valid) == 0 {
		return summary, fmt.Errorf("no synthesized example passed validation (%d generated)", len(examples))
	}
	if len(valid) > p.Config.ExampleCount {
		valid = valid[:p.Config.ExampleCount]
	}
	summary.ExamplesPublished = len(valid)

	snapshot := &Snapshot{
		Version:          ArtifactVersion,
		SnapshotID:       p.NewID(),
		GeneratedAt:      p.Clock().UTC(),
		GenerationMethod: p.Config.GenerationMethod,
		CreatedBy:        p.Config.CreatedBy,
		Schema:           schema,
		Examples:         valid,
		SchemaInsights:   insights,
	}
	summary.SnapshotID = snapshot.SnapshotID
	summary.GeneratedAt = snapshot.GeneratedAt

	body, err := Encode(snapshot)
	if err != nil {
		return summary, fmt.Errorf("encode snapshot: %w", err)
	}

	historyKey, err := storage.BuildSnapshotHistoryKey(p.Config.HistoryPrefix, snapshot.GeneratedAt, snapshot.SnapshotID)
	if err != nil {
		return summary, err
	}
	objectMetadata := map[string]string{
		"snapshot-id":  snapshot.SnapshotID,
		"generated-at": snapshot.GeneratedAt.Format(time.RFC3339),
	}
	historyOpts := storage.PutOptions{ContentType: storage.ContentTypeJSON, Metadata: objectMetadata}
	if _, err := p.ObjectStore.Put(ctx, historyKey, bytes.NewReader(body), int64(len(body)), historyOpts); err != nil {
		return summary, fmt.Errorf("write snapshot history: %w", err)
	}
	summary.HistoryKey = historyKey

	// The latest key is overwritten in place; HTTP caches in front of the bucket must revalidate.
	latestOpts := storage.PutOptions{ContentType: storage.ContentTypeJSON, CacheControl: "no-cache", Metadata: objectMetadata}
	if _, err := p.ObjectStore.Put(ctx, p.Config.ArtifactKey, bytes.NewReader(body), int64(len(body)), latestOpts); err != nil {
		return summary, fmt.Errorf("replace latest snapshot: %w", err)
	}

	pruned, err := p.pruneHistory(ctx, historyKey)
	summary.HistoryPruned = pruned
	if err != nil {
		p.Logger.WarnContext(ctx, "metadata history pruning incomplete", slog.Int("pruned", pruned), slog.Any("error", err))
	}
	return summary, nil
}

// pruneHistory deletes the oldest archived snapshots beyond HistoryKeep.
// History keys sort chronologically, and current is never removed.
func (p *Publisher) pruneHistory(ctx context.Context, current string) (int, error) {
	if p.Config.HistoryKeep <= 0 {
		return 0, nil
	}
	objects, err := p.ObjectStore.List(ctx, p.Config.HistoryPrefix)
	if err != nil {
		return 0, fmt.Errorf("list snapshot history: %w", err)
	}
	archived := make([]string, 0, len(objects))
	for _, object := range objects {
		if strings.HasSuffix(object.Key, ".json") && object.Key != current {
			archived = append(archived, object.Key)
		}
	}
	excess := len(archived) + 1 - p.Config.HistoryKeep
	if excess <= 0 {
		return 0, nil
	}

	pruned := 0
	var failures []string
	for _, key := range archived[:min(excess, len(archived))] {
		if err := p.ObjectStore.Delete(ctx, key); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", key, err))
			continue
		}
		pruned++
	}
	if len(failures) > 0 {
		return pruned, fmt.Errorf("delete %d history object(s): %s", len(failures), strings.Join(failures, "; "))
	}
	return pruned, nil
}

func (p *Publisher) generateExamples(ctx context.Context, schema Schema) ([]Example, error) {
	prompt, err := p.Prompts.MetadataExamples(schema, p.Config.ExampleCount)
	if err != nil {
		return nil, fmt.Errorf("build examples prompt: %w", err)
	}
	raw, err := p.LLM.Complete(ctx, config.TaskSQLGeneration, prompt)
	if err != nil {
		return nil, fmt.Errorf("synthesize examples: %w", err)
	}
	body := llm.ExtractJSON(raw, '[', ']')
	if body == "" {
		return nil, fmt.Errorf("synthesize examples: no JSON array in model output")
	}
	var examples []Example
	if err := json.Unmarshal([]byte(body), &examples); err != nil {
		return nil, fmt.Errorf("decode synthesized examples: %w", err)
	}
	return examples, nil
}

func (p *Publisher) generateInsights(ctx context.Context, schema Schema) (*Insights, error) {
	prompt, err := p.Prompts.MetadataInsights(schema)
	if err != nil {
		return nil, fmt.Errorf("build insights prompt: %w", err)
	}
	raw, err := p.LLM.Complete(ctx, config.TaskDataAnalysis, prompt)
	if err != nil {
		return nil, fmt.Errorf("synthesize insights: %w", err)
	}
	body := llm.ExtractJSON(raw, '{', '}')
	if body == "" {
		return nil, fmt.Errorf("synthesize insights: no JSON object in model output")
	}
	var insights Insights
	if err := json.Unmarshal([]byte(body), &insights); err != nil {
		return nil, fmt.Errorf("decode synthesized insights: %w", err)
	}
	if strings.TrimSpace(insights.Purpose) == "" {
		return nil, fmt.Errorf("synthesize insights: purpose is empty")
	}
	return &insights, nil
}

// validExamples keeps examples whose SQL is read-only and passes a dry run.
func (p *Publisher) validExamples(ctx context.Context, examples []Example) []Example {
	seen := map[string]bool{}
	valid := make([]Example, 0, len(examples))
	for _, example := range examples {
		question := strings.TrimSpace(example.Question)
		sqlText := llm.ExtractSQL(example.SQL)
		key := strings.ToLower(question)
		if question == "" || sqlText == "" || seen[key] {
			continue
		}
		if err := query.CheckReadOnly(sqlText); err != nil {
			p.Logger.DebugContext(ctx, "dropping example", slog.String("question", question), slog.Any("error", err))
			continue
		}
		dryCtx, cancel := context.WithTimeout(ctx, p.Config.DryRunTimeout)
		err := p.Warehouse.DryRun(dryCtx, sqlText)
		cancel()
		if err != nil {
			p.Logger.DebugContext(ctx, "dropping example", slog.String("question", question), slog.Any("error", err))
			continue
		}
		seen[key] = true
		valid = append(valid, Example{Question: question, SQL: sqlText})
	}
	return valid
}

func (p *Publisher) validate() error {
	if p.Warehouse == nil {
		return fmt.Errorf("warehouse is required")
	}
	if p.ObjectStore == nil {
		return fmt.Errorf("object store is required")
	}
	if p.LLM == nil || p.Prompts == nil {
		return fmt.Errorf("language model and prompts are required")
	}
	if strings.TrimSpace(p.Config.TableID) == "" {
		return fmt.Errorf("table id is required")
	}
	if strings.TrimSpace(p.Config.ArtifactKey) == "" {
		return fmt.Errorf("artifact key is required")
	}
	return nil
}

func (p *Publisher) ensureDefaults() {
	p.defaults.Do(p.applyDefaults)
}

func (p *Publisher) applyDefaults() {
	p.slot = make(chan struct{}, 1)
	if p.Logger == nil {
		p.Logger = slog.New(slog.DiscardHandler)
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.NewID == nil {
		p.NewID = func() string { return uuid.NewString() }
	}
	if p.Config.ExampleCount <= 0 {
		p.Config.ExampleCount = 8
	}
	if p.Config.GenerationMethod == "" {
		p.Config.GenerationMethod = "llm_synthesized"
	}
	if p.Config.HistoryPrefix == "" {
		p.Config.HistoryPrefix = "metadata/history"
	}
	if p.Config.PublishInterval <= 0 {
		p.Config.PublishInterval = 24 * time.Hour
	}
	if p.Config.DryRunTimeout <= 0 {
		p.Config.DryRunTimeout = 10 * time.Second
	}
}
