package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/duckmesh/duckask/internal/conversation"
	"github.com/duckmesh/duckask/internal/intent"
	"github.com/duckmesh/duckask/internal/metadata"
	"github.com/duckmesh/duckask/internal/query"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	registry, err := NewRegistry("", nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return NewBuilder(registry, BuilderConfig{TableID: "events", MaxContextTurns: 5, ContextSampleRows: 2}, nil)
}

func testSnapshot() *metadata.Snapshot {
	return &metadata.Snapshot{
		Version:          metadata.ArtifactVersion,
		SnapshotID:       "snap-1",
		GeneratedAt:      time.Date(2026, 2, 19, 0, 0, 0, 0, time.UTC),
		GenerationMethod: "llm_synthesized",
		Schema: metadata.Schema{TableID: "events", Columns: []query.Column{
			{Name: "country", Type: "VARCHAR", Nullable: true, Description: "ISO country code"},
			{Name: "revenue", Type: "DOUBLE"},
		}},
		Examples:       []metadata.Example{{Question: "Revenue by country", SQL: "SELECT country, SUM(revenue) FROM events GROUP BY 1"}},
		SchemaInsights: &metadata.Insights{Purpose: "Sales events", KeyColumns: []string{"country"}},
	}
}

func dataTurns() []conversation.Turn {
	return []conversation.Turn{
		{
			Role:    conversation.RoleAssistant,
			Message: "Here are the top countries.",
			SQL:     "SELECT country, SUM(revenue) AS revenue FROM events GROUP BY 1 ORDER BY 2 DESC",
			Data: &conversation.DataDigest{
				Columns:    []string{"country", "revenue"},
				SampleRows: [][]any{{"DE", 120.5}, {"FR", 99.0}, {"IT", 12.0}},
				RowCount:   12,
			},
		},
		{Role: conversation.RoleUser, Message: "top countries by revenue"},
	}
}

func TestBuildQueryWithoutSnapshotUsesFallbacks(t *testing.T) {
	builder := newTestBuilder(t)
	prompt, err := builder.Build(Input{Category: intent.QueryRequest, Message: "top 10 rows"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if HasUnresolved(prompt.System) || HasUnresolved(prompt.User) {
		t.Fatalf("unresolved placeholders: %+v", prompt)
	}
	if !strings.Contains(prompt.System, "Schema information is currently unavailable") {
		t.Fatalf("system prompt missing schema fallback: %s", prompt.System)
	}
	if !strings.Contains(prompt.System, "events") || !strings.Contains(prompt.User, "top 10 rows") {
		t.Fatalf("prompt = %+v", prompt)
	}
}

func TestBuildQueryWithSnapshot(t *testing.T) {
	builder := newTestBuilder(t)
	prompt, err := builder.Build(Input{Category: intent.QueryRequest, Message: "revenue per country", Snapshot: testSnapshot()})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, want := range []string{"- country VARCHAR NULL -- ISO country code", "- revenue DOUBLE NOT NULL", "Q: Revenue by country", "Purpose: Sales events"} {
		if !strings.Contains(prompt.System, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, prompt.System)
		}
	}
}

func TestBuildAnalysisIncludesPriorRows(t *testing.T) {
	builder := newTestBuilder(t)
	turns := dataTurns()
	data, dataSQL, ok := conversation.LatestData(turns)
	if !ok {
		t.Fatal("expected prior data")
	}
	prompt, err := builder.Build(Input{Category: intent.DataAnalysis, Message: "analyze this", Turns: turns, Data: data, DataSQL: dataSQL})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, want := range []string{"columns: country, revenue", "| DE | 120.5 |", "rows (2 of 12)"} {
		if !strings.Contains(prompt.User, want) {
			t.Fatalf("analysis prompt missing %q:\n%s", want, prompt.User)
		}
	}
	if strings.Count(prompt.User, "| IT | 12 |") != 1 {
		t.Fatalf("data block should carry the wider sample once:\n%s", prompt.User)
	}
}

func TestBuildQueryContextOmitsRows(t *testing.T) {
	builder := newTestBuilder(t)
	prompt, err := builder.Build(Input{Category: intent.RefinementRequest, Message: "only Germany", Turns: dataTurns()})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if strings.Contains(prompt.User, "| DE |") {
		t.Fatalf("query prompt should not carry sample rows:\n%s", prompt.User)
	}
	if !strings.Contains(prompt.User, "columns: country, revenue (12 rows)") || !strings.Contains(prompt.User, "ORDER BY 2 DESC") {
		t.Fatalf("refinement prompt = %s", prompt.User)
	}
}

func TestTemplateForSelectsContextVariants(t *testing.T) {
	cases := []struct {
		category   intent.Category
		hasContext bool
		want       string
	}{
		{intent.QueryRequest, false, TemplateQueryRequest},
		{intent.QueryRequest, true, TemplateQueryRequestWithContext},
		{intent.FollowUpQuery, false, TemplateQueryRequest},
		{intent.FollowUpQuery, true, TemplateFollowUpQuery},
		{intent.RefinementRequest, true, TemplateRefinementRequest},
		{intent.DataAnalysis, true, TemplateDataAnalysisWithContext},
		{intent.ComparisonAnalysis, false, TemplateDataAnalysis},
		{intent.ComparisonAnalysis, true, TemplateComparisonAnalysis},
		{intent.MetadataRequest, true, TemplateMetadataRequest},
		{intent.GuideRequest, false, TemplateGuideRequest},
		{intent.OutOfScope, false, TemplateOutOfScope},
	}
	for _, tc := range cases {
		if got := TemplateFor(tc.category, tc.hasContext); got != tc.want {
			t.Fatalf("TemplateFor(%s, %v) = %s, want %s", tc.category, tc.hasContext, got, tc.want)
		}
	}
}

func TestClassificationListsContextCategoriesOnlyWithTurns(t *testing.T) {
	builder := newTestBuilder(t)
	plain, err := builder.Classification("top rows", nil)
	if err != nil {
		t.Fatalf("Classification() error = %v", err)
	}
	if strings.Contains(plain.System, string(intent.FollowUpQuery)) {
		t.Fatalf("context categories offered without turns:\n%s", plain.System)
	}

	withContext, err := builder.Classification("and for France?", dataTurns())
	if err != nil {
		t.Fatalf("Classification() error = %v", err)
	}
	if !strings.Contains(withContext.System, string(intent.RefinementRequest)) || !strings.Contains(withContext.User, "top countries by revenue") {
		t.Fatalf("prompt = %+v", withContext)
	}
}

func TestCorrectionCarriesErrorAndPreviousSQL(t *testing.T) {
	builder := newTestBuilder(t)
	prompt, err := builder.Correction(Correction{
		Message:         "show foo",
		PreviousSQL:     "SELECT foo FROM events",
		ValidationError: "Column not found: foo",
	})
	if err != nil {
		t.Fatalf("Correction() error = %v", err)
	}
	if !strings.Contains(prompt.User, "Column not found: foo") || !strings.Contains(prompt.User, "SELECT foo FROM events") {
		t.Fatalf("correction prompt = %s", prompt.User)
	}
}

func TestMetadataPrompts(t *testing.T) {
	builder := newTestBuilder(t)
	schema := testSnapshot().Schema
	examples, err := builder.MetadataExamples(schema, 6)
	if err != nil {
		t.Fatalf("MetadataExamples() error = %v", err)
	}
	if !strings.Contains(examples.User, "Write 6 examples") || !strings.Contains(examples.User, "- country VARCHAR") {
		t.Fatalf("examples prompt = %s", examples.User)
	}
	insights, err := builder.MetadataInsights(schema)
	if err != nil {
		t.Fatalf("MetadataInsights() error = %v", err)
	}
	if !strings.Contains(insights.User, "Table events:") {
		t.Fatalf("insights prompt = %s", insights.User)
	}
}

func TestFormatDigestRendersNullsAndTruncates(t *testing.T) {
	digest := &conversation.DataDigest{
		Columns:    []string{"a"},
		SampleRows: [][]any{{nil}, {strings.Repeat("x", 100)}},
		RowCount:   2,
	}
	got := FormatDigest(digest, 5)
	if !strings.Contains(got, "| NULL |") || !strings.Contains(got, strings.Repeat("x", 80)+"...") {
		t.Fatalf("digest = %s", got)
	}
}
