package llm

import (
	"testing"
	"unicode/utf8"
)

func TestExtractSQL(t *testing.T) {
	tests := map[string]string{
		"```sql\nSELECT 1;\n```":                                    "SELECT 1",
		"SELECT country FROM events LIMIT 10":                       "SELECT country FROM events LIMIT 10",
		"Here is the query:\n```\nSELECT a\nFROM t\n```\nIt works.": "SELECT a\nFROM t",
		"Query: SELECT a FROM t; -- done":                           "SELECT a FROM t",
		"SELECT ';' AS sep FROM t;":                                 "SELECT ';' AS sep FROM t",
		"WITH x AS (SELECT 1)\n\nSELECT * FROM x":                   "WITH x AS (SELECT 1)\n\nSELECT * FROM x",
		"SELECT a FROM t\n\nThis returns the column a.":             "SELECT a FROM t",
		"I cannot answer that.":                                     "",
		"With that in mind, here it is:\nSELECT a FROM t":           "SELECT a FROM t",
		"with recursive n(i) as (SELECT 1) SELECT i FROM n":         "with recursive n(i) as (SELECT 1) SELECT i FROM n",
		"With pleasure.":                                            "",
		"":                                                          "",
	}
	for input, want := range tests {
		if got := ExtractSQL(input); got != want {
			t.Fatalf("ExtractSQL(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	tests := []struct {
		value string
		limit int
		want  string
	}{
		{value: "short", limit: 10, want: "short"},
		{value: "abcdef", limit: 3, want: "abc..."},
		{value: "Zürich", limit: 2, want: "Z..."},
		{value: "日本語", limit: 4, want: "日..."},
		{value: "日本語", limit: 0, want: "..."},
	}
	for _, tt := range tests {
		got := Truncate(tt.value, tt.limit)
		if got != tt.want {
			t.Fatalf("Truncate(%q, %d) = %q, want %q", tt.value, tt.limit, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Fatalf("Truncate(%q, %d) produced invalid UTF-8", tt.value, tt.limit)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	got := ExtractJSON("```json\n{\"a\": {\"b\": 1}}\n```", '{', '}')
	if got != `{"a": {"b": 1}}` {
		t.Fatalf("ExtractJSON() object = %q", got)
	}
	got = ExtractJSON(`Sure! [{"question":"q","sql":"SELECT 1"}] hope that helps`, '[', ']')
	if got != `[{"question":"q","sql":"SELECT 1"}]` {
		t.Fatalf("ExtractJSON() array = %q", got)
	}
	if ExtractJSON("nothing here", '{', '}') != "" {
		t.Fatal("expected empty result")
	}
}
