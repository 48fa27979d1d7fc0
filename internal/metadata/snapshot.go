// Package metadata publishes and serves the schema/example snapshot that grounds
// request-time prompts. One Publisher writes immutable snapshot artifacts to the
// object store; any number of Caches read them and swap an in-memory pointer.
package metadata

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/duckmesh/duckask/internal/query"
)

const ArtifactVersion = 1

var (
	ErrSnapshotAbsent  = errors.New("metadata snapshot absent")
	ErrInvalidArtifact = errors.New("invalid metadata artifact")
)

type Snapshot struct {
	Version          int       `json:"version"`
	SnapshotID       string    `json:"snapshot_id"`
	GeneratedAt      time.Time `json:"generated_at"`
	GenerationMethod string    `json:"generation_method"`
	CreatedBy        string    `json:"created_by,omitempty"`
	Schema           Schema    `json:"schema"`
	Examples         []Example `json:"examples"`
	SchemaInsights   *Insights `json:"schema_insights,omitempty"`
}

type Schema struct {
	TableID string         `json:"table_id"`
	Columns []query.Column `json:"columns"`
}

type Example struct {
	Question string `json:"question"`
	SQL      string `json:"sql"`
}

type Insights struct {
	Purpose      string   `json:"purpose"`
	KeyColumns   []string `json:"key_columns,omitempty"`
	AnalysisTips []string `json:"analysis_tips,omitempty"`
}

// Age is the time elapsed since the snapshot was generated.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.GeneratedAt)
}

//go:embed snapshot.schema.json
var artifactSchemaJSON []byte

var artifactSchema = mustCompileSchema(artifactSchemaJSON)

func mustCompileSchema(raw []byte) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("compile metadata artifact schema: %v", err))
	}
	return schema
}

// Encode validates and serialises a snapshot artifact.
func Encode(snapshot *Snapshot) ([]byte, error) {
	body, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := validateArtifact(body); err != nil {
		return nil, err
	}
	return body, nil
}

// Decode parses and validates a snapshot artifact. Any structural problem
// wraps ErrInvalidArtifact.
func Decode(body []byte) (*Snapshot, error) {
	if err := validateArtifact(body); err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	var snapshot Snapshot
	if err := decoder.Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if snapshot.Version > ArtifactVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidArtifact, snapshot.Version)
	}
	return &snapshot, nil
}

func validateArtifact(body []byte) error {
	result, err := artifactSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArtifact, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidArtifact, strings.Join(problems, "; "))
	}
	return nil
}
