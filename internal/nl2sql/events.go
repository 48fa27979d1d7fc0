package nl2sql

import (
	"time"

	"github.com/duckmesh/duckask/internal/conversation"
	"github.com/duckmesh/duckask/internal/intent"
	"github.com/duckmesh/duckask/internal/query"
)

type Stage string

const (
	StageClassifying Stage = "classifying"
	StageGenerating  Stage = "generating_sql"
	StageValidating  Stage = "validating"
	StageCorrecting  Stage = "correcting"
	StageExecuting   Stage = "executing"
	StageAnalyzing   Stage = "analyzing"
	StageAnswering   Stage = "answering"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Event reports that a stage began. Seq increases by one per event within a request.
type Event struct {
	Seq       int       `json:"seq"`
	RequestID string    `json:"request_id"`
	Stage     Stage     `json:"stage"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ResultKind string

const (
	KindQueryResult      ResultKind = "query_result"
	KindAnalysisResult   ResultKind = "analysis_result"
	KindGuideResult      ResultKind = "guide_result"
	KindMetadataResult   ResultKind = "metadata_result"
	KindOutOfScopeResult ResultKind = "out_of_scope_result"
	KindErrorResult      ResultKind = "error"
)

type Request struct {
	Message string              `json:"message"`
	UserID  string              `json:"user_id"`
	Turns   []conversation.Turn `json:"context_turns,omitempty"`
}

type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Result is the terminal object of one request. Exactly one is produced per Run.
type Result struct {
	RequestID  string          `json:"request_id"`
	Kind       ResultKind      `json:"kind"`
	Category   intent.Category `json:"category,omitempty"`
	Confidence float64         `json:"confidence"`

	SQL          string    `json:"sql,omitempty"`
	Columns      []string  `json:"columns,omitempty"`
	ColumnTypes  []string  `json:"column_types,omitempty"`
	Rows         [][]any   `json:"rows,omitempty"`
	RowCount     int       `json:"row_count"`
	Truncated    bool      `json:"truncated,omitempty"`
	AttemptsUsed int       `json:"attempts_used"`
	Attempts     []Attempt `json:"attempts,omitempty"`

	Text          string                   `json:"text,omitempty"`
	SchemaColumns []query.Column           `json:"schema_columns,omitempty"`
	Digest        *conversation.DataDigest `json:"digest,omitempty"`

	MetadataAvailable  bool   `json:"metadata_available"`
	MetadataSnapshotID string `json:"metadata_snapshot_id,omitempty"`

	Error      *ErrorInfo `json:"error,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}
