package prompt

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/duckmesh/duckask/internal/conversation"
	"github.com/duckmesh/duckask/internal/intent"
	"github.com/duckmesh/duckask/internal/llm"
	"github.com/duckmesh/duckask/internal/metadata"
)

const (
	TemplateClassification            = "classification"
	TemplateClassificationWithContext = "classification_with_context"
	TemplateQueryRequest              = "query_request"
	TemplateQueryRequestWithContext   = "query_request_with_context"
	TemplateFollowUpQuery             = "follow_up_query"
	TemplateRefinementRequest         = "refinement_request"
	TemplateSQLCorrection             = "sql_correction"
	TemplateDataAnalysis              = "data_analysis"
	TemplateDataAnalysisWithContext   = "data_analysis_with_context"
	TemplateComparisonAnalysis        = "comparison_analysis"
	TemplateMetadataRequest           = "metadata_request"
	TemplateGuideRequest              = "guide_request"
	TemplateOutOfScope                = "out_of_scope"
	TemplateMetadataExamples          = "metadata_examples"
	TemplateMetadataInsights          = "metadata_insights"
)

const maxCellChars = 80

type BuilderConfig struct {
	TableID           string
	MaxContextTurns   int
	ContextSampleRows int
}

// Input is everything a category prompt may draw on. Snapshot may be nil when
// no metadata is available; Data is the result being analysed, if any.
type Input struct {
	Category intent.Category
	Message  string
	Turns    []conversation.Turn
	Snapshot *metadata.Snapshot
	Data     *conversation.DataDigest
	DataSQL  string
}

// Correction describes a rejected attempt.
type Correction struct {
	Message         string
	PreviousSQL     string
	ValidationError string
	Snapshot        *metadata.Snapshot
}

type Builder struct {
	registry *Registry
	config   BuilderConfig
	logger   *slog.Logger
}

func NewBuilder(registry *Registry, cfg BuilderConfig, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxContextTurns <= 0 {
		cfg.MaxContextTurns = conversation.DefaultMaxTurns
	}
	if cfg.ContextSampleRows <= 0 {
		cfg.ContextSampleRows = conversation.DefaultSampleRows
	}
	return &Builder{registry: registry, config: cfg, logger: logger}
}

func (b *Builder) Classification(message string, turns []conversation.Turn) (llm.Prompt, error) {
	turns = conversation.Recent(turns, b.config.MaxContextTurns)
	if len(turns) == 0 {
		return b.render(TemplateClassification, map[string]string{
			"categories": intent.Describe(intent.BaseCategories),
			"question":   message,
		})
	}
	categories := append(append([]intent.Category{}, intent.BaseCategories...), intent.ContextCategories...)
	return b.render(TemplateClassificationWithContext, map[string]string{
		"categories":     intent.Describe(categories),
		"context_blocks": FormatTurns(turns, false, b.config.ContextSampleRows),
		"question":       message,
	})
}

// TemplateFor selects the template answering category, using context-aware
// variants only when there are prior turns.
func TemplateFor(category intent.Category, hasContext bool) string {
	if !hasContext {
		category = category.Base()
	}
	switch category {
	case intent.QueryRequest:
		if hasContext {
			return TemplateQueryRequestWithContext
		}
		return TemplateQueryRequest
	case intent.FollowUpQuery:
		return TemplateFollowUpQuery
	case intent.RefinementRequest:
		return TemplateRefinementRequest
	case intent.DataAnalysis:
		if hasContext {
			return TemplateDataAnalysisWithContext
		}
		return TemplateDataAnalysis
	case intent.ComparisonAnalysis:
		return TemplateComparisonAnalysis
	case intent.MetadataRequest:
		return TemplateMetadataRequest
	case intent.GuideRequest:
		return TemplateGuideRequest
	default:
		return TemplateOutOfScope
	}
}

// Build renders the prompt for in.Category. Missing metadata degrades to
// template fallbacks. Analysis categories include result columns and sample
// rows for prior turns.
func (b *Builder) Build(in Input) (llm.Prompt, error) {
	turns := conversation.Recent(in.Turns, b.config.MaxContextTurns)
	name := TemplateFor(in.Category, len(turns) > 0)
	analysis := in.Category.Base() == intent.DataAnalysis
	if in.Snapshot == nil {
		b.logger.Debug("building prompt without metadata snapshot", slog.String("template", name))
	}

	values := b.snapshotValues(in.Snapshot)
	values["question"] = in.Message
	values["context_blocks"] = FormatTurns(turns, analysis, b.config.ContextSampleRows)
	if previousSQL := latestSQL(turns); previousSQL != "" {
		values["previous_sql"] = previousSQL
	}
	if in.Data != nil {
		values["data_block"] = FormatDigest(in.Data, b.config.ContextSampleRows*4)
		values["data_sql"] = in.DataSQL
	}
	return b.render(name, values)
}

func (b *Builder) Correction(in Correction) (llm.Prompt, error) {
	values := b.snapshotValues(in.Snapshot)
	values["question"] = in.Message
	values["previous_sql"] = in.PreviousSQL
	values["validation_error"] = in.ValidationError
	return b.render(TemplateSQLCorrection, values)
}

func (b *Builder) MetadataExamples(schema metadata.Schema, count int) (llm.Prompt, error) {
	return b.render(TemplateMetadataExamples, map[string]string{
		"table_id":      schema.TableID,
		"schema_info":   FormatSchema(schema),
		"example_count": strconv.Itoa(count),
	})
}

func (b *Builder) MetadataInsights(schema metadata.Schema) (llm.Prompt, error) {
	return b.render(TemplateMetadataInsights, map[string]string{
		"table_id":    schema.TableID,
		"schema_info": FormatSchema(schema),
	})
}

func (b *Builder) render(name string, values map[string]string) (llm.Prompt, error) {
	tmpl, err := b.registry.Get(name)
	if err != nil {
		return llm.Prompt{}, err
	}
	return tmpl.Render(values)
}

func (b *Builder) snapshotValues(snapshot *metadata.Snapshot) map[string]string {
	values := map[string]string{"table_id": b.config.TableID}
	if snapshot == nil {
		return values
	}
	values["table_id"] = snapshot.Schema.TableID
	values["schema_info"] = FormatSchema(snapshot.Schema)
	values["few_shot_examples"] = FormatExamples(snapshot.Examples)
	values["schema_insights"] = FormatInsights(snapshot.SchemaInsights)
	return values
}

func latestSQL(turns []conversation.Turn) string {
	for _, turn := range turns {
		if strings.TrimSpace(turn.SQL) != "" {
			return turn.SQL
		}
	}
	return ""
}

func FormatSchema(schema metadata.Schema) string {
	if len(schema.Columns) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Table: %s\nColumns:", schema.TableID)
	for _, column := range schema.Columns {
		nullability := "NOT NULL"
		if column.Nullable {
			nullability = "NULL"
		}
		fmt.Fprintf(&b, "\n- %s %s %s", column.Name, column.Type, nullability)
		if column.Description != "" {
			fmt.Fprintf(&b, " -- %s", column.Description)
		}
	}
	return b.String()
}

func FormatExamples(examples []metadata.Example) string {
	blocks := make([]string, 0, len(examples))
	for _, example := range examples {
		blocks = append(blocks, fmt.Sprintf("Q: %s\nSQL: %s", example.Question, example.SQL))
	}
	return strings.Join(blocks, "\n\n")
}

func FormatInsights(insights *metadata.Insights) string {
	if insights == nil || strings.TrimSpace(insights.Purpose) == "" {
		return ""
	}
	lines := []string{"Purpose: " + insights.Purpose}
	if len(insights.KeyColumns) > 0 {
		lines = append(lines, "Key columns: "+strings.Join(insights.KeyColumns, ", "))
	}
	for _, tip := range insights.AnalysisTips {
		lines = append(lines, "Tip: "+tip)
	}
	return strings.Join(lines, "\n")
}

// FormatTurns renders turns most recent first. With includeRows, turns
// carrying a result digest also list its columns and up to sampleRows rows.
func FormatTurns(turns []conversation.Turn, includeRows bool, sampleRows int) string {
	blocks := make([]string, 0, len(turns))
	for i, turn := range turns {
		var b strings.Builder
		fmt.Fprintf(&b, "[%d] %s: %s", i+1, turn.Role, strings.TrimSpace(turn.Message))
		if turn.SQL != "" {
			fmt.Fprintf(&b, "\n    sql: %s", strings.Join(strings.Fields(turn.SQL), " "))
		}
		if turn.Data != nil && len(turn.Data.Columns) > 0 {
			if includeRows {
				b.WriteString("\n")
				b.WriteString(indent(FormatDigest(turn.Data, sampleRows), "    "))
			} else {
				fmt.Fprintf(&b, "\n    columns: %s (%d rows)", strings.Join(turn.Data.Columns, ", "), turn.Data.RowCount)
			}
		}
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n")
}

// FormatDigest renders a digest as a pipe table with at most maxRows rows.
func FormatDigest(digest *conversation.DataDigest, maxRows int) string {
	if digest == nil || len(digest.Columns) == 0 {
		return ""
	}
	rows := digest.SampleRows
	if maxRows >= 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "columns: %s\n", strings.Join(digest.Columns, ", "))
	fmt.Fprintf(&b, "rows (%d of %d):", len(rows), digest.RowCount)
	b.WriteString("\n| " + strings.Join(digest.Columns, " | ") + " |")
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = formatCell(value)
		}
		b.WriteString("\n| " + strings.Join(cells, " | ") + " |")
	}
	return b.String()
}

func formatCell(value any) string {
	if value == nil {
		return "NULL"
	}
	return llm.Truncate(strings.ReplaceAll(fmt.Sprint(value), "\n", " "), maxCellChars)
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
