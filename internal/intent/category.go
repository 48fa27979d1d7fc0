package intent

import (
	"strings"

	"github.com/duckmesh/duckask/internal/config"
)

// Category is the closed set of request intents.
type Category string

const (
	QueryRequest    Category = "query_request"
	MetadataRequest Category = "metadata_request"
	DataAnalysis    Category = "data_analysis"
	GuideRequest    Category = "guide_request"
	OutOfScope      Category = "out_of_scope"

	// Context-aware variants, only meaningful when prior turns exist.
	FollowUpQuery      Category = "follow_up_query"
	RefinementRequest  Category = "refinement_request"
	ComparisonAnalysis Category = "comparison_analysis"
)

var (
	BaseCategories    = []Category{QueryRequest, MetadataRequest, DataAnalysis, GuideRequest, OutOfScope}
	ContextCategories = []Category{FollowUpQuery, RefinementRequest, ComparisonAnalysis}
)

var descriptions = map[Category]string{
	QueryRequest:       "the user wants data retrieved from the table with a SQL query",
	MetadataRequest:    "the user asks which columns, fields or data are available",
	DataAnalysis:       "the user wants interpretation, trends or insights about data",
	GuideRequest:       "the user asks how to use this assistant or how to phrase questions",
	OutOfScope:         "the message is unrelated to the data or cannot be answered with it",
	FollowUpQuery:      "a new query that builds on the previous question or result",
	RefinementRequest:  "a change to the previous query such as a filter, sort, limit or grouping",
	ComparisonAnalysis: "a comparison between the previous result and another slice of data",
}

func Parse(raw string) (Category, bool) {
	category := Category(strings.ToLower(strings.TrimSpace(raw)))
	return category, category.Valid()
}

func (c Category) Valid() bool {
	_, ok := descriptions[c]
	return ok
}

func (c Category) ContextAware() bool {
	switch c {
	case FollowUpQuery, RefinementRequest, ComparisonAnalysis:
		return true
	default:
		return false
	}
}

// Base maps a context-aware variant to the category that handles it without context.
func (c Category) Base() Category {
	switch c {
	case FollowUpQuery, RefinementRequest:
		return QueryRequest
	case ComparisonAnalysis:
		return DataAnalysis
	default:
		return c
	}
}

// GeneratesSQL reports whether the category is answered by running SQL.
func (c Category) GeneratesSQL() bool {
	return c.Base() == QueryRequest
}

// Task is the model task that produces the category's answer.
func (c Category) Task() config.Task {
	switch c.Base() {
	case QueryRequest:
		return config.TaskSQLGeneration
	case DataAnalysis:
		return config.TaskDataAnalysis
	case MetadataRequest, GuideRequest:
		return config.TaskGuideGeneration
	default:
		return config.TaskOutOfScope
	}
}

func (c Category) Description() string {
	return descriptions[c]
}

// Describe lists categories one per line as "name: description".
func Describe(categories []Category) string {
	var b strings.Builder
	for _, category := range categories {
		b.WriteString("- ")
		b.WriteString(string(category))
		b.WriteString(": ")
		b.WriteString(category.Description())
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
