// Package conversation holds the prior-turn records supplied by the chat
// collaborator and the compact result digests carried between turns.
package conversation

import (
	"strings"

	"github.com/duckmesh/duckask/internal/query"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Defaults applied when a context window is left unset.
const (
	DefaultMaxTurns   = 5
	DefaultSampleRows = 3
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// DataDigest summarises a result: column names, a few sample rows and the row count.
type DataDigest struct {
	Columns    []string `json:"columns"`
	SampleRows [][]any  `json:"sample_rows"`
	RowCount   int      `json:"row_count"`
}

func (d *DataDigest) HasRows() bool {
	return d != nil && len(d.Columns) > 0 && len(d.SampleRows) > 0
}

// Turn is one prior exchange. Turns are ordered most recent first.
type Turn struct {
	Role    Role        `json:"role"`
	Message string      `json:"message"`
	SQL     string      `json:"sql,omitempty"`
	Data    *DataDigest `json:"data,omitempty"`
}

// Digest builds a DataDigest from result keeping at most sampleRows rows.
func Digest(result query.Result, sampleRows int) *DataDigest {
	if sampleRows < 0 {
		sampleRows = 0
	}
	n := min(sampleRows, len(result.Rows))
	rows := make([][]any, n)
	for i := range n {
		rows[i] = append([]any(nil), result.Rows[i]...)
	}
	return &DataDigest{
		Columns:    append([]string(nil), result.Columns...),
		SampleRows: rows,
		RowCount:   result.RowCount,
	}
}

// Recent returns at most limit turns, dropping turns with an unknown role or empty message.
func Recent(turns []Turn, limit int) []Turn {
	out := make([]Turn, 0, min(len(turns), max(limit, 0)))
	for _, turn := range turns {
		if len(out) >= limit {
			break
		}
		if !turn.Role.Valid() || (strings.TrimSpace(turn.Message) == "" && turn.SQL == "" && turn.Data == nil) {
			continue
		}
		out = append(out, turn)
	}
	return out
}

// LatestData returns the digest of the most recent turn that carries rows.
func LatestData(turns []Turn) (*DataDigest, string, bool) {
	for _, turn := range turns {
		if turn.Data.HasRows() {
			return turn.Data, turn.SQL, true
		}
	}
	return nil, "", false
}
