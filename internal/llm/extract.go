package llm

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	fencedBlockPattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)```")
	// WITH only counts when a CTE definition follows, so prose such as
	// "With that in mind" is skipped.
	statementStart = regexp.MustCompile(`(?im)(?:^|:)[ \t]*(select\b|with\s+(?:recursive\s+)?"?[a-z_][a-z0-9_]*"?\s*(?:\([^)]*\))?\s*as\s*(?:not\s+)?(?:materialized\s*)?\()`)
)

// StripFences returns the body of the first fenced code block, or the trimmed
// input when there is none.
func StripFences(text string) string {
	if match := fencedBlockPattern.FindStringSubmatch(text); match != nil {
		return strings.TrimSpace(match[1])
	}
	return strings.TrimSpace(text)
}

// ExtractSQL pulls the first SQL statement out of a model answer that may wrap it
// in fences or prose. It returns "" when nothing resembling a query is present.
func ExtractSQL(text string) string {
	body := StripFences(text)
	loc := statementStart.FindStringSubmatchIndex(body)
	if loc == nil {
		return ""
	}
	body = body[loc[2]:]
	if end := statementEnd(body); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// statementEnd is the index of the first semicolon outside quotes, or -1.
func statementEnd(sqlText string) int {
	var quote byte
	for i := 0; i < len(sqlText); i++ {
		ch := sqlText[i]
		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == ';':
			return i
		case ch == '\n' && i+1 < len(sqlText) && sqlText[i+1] == '\n':
			// A blank line after the statement separates it from trailing prose.
			if rest := strings.TrimSpace(sqlText[i:]); rest != "" && !statementContinues(rest) {
				return i
			}
		}
	}
	return -1
}

func statementContinues(rest string) bool {
	lower := strings.ToLower(rest)
	for _, keyword := range []string{"select", "from", "where", "group", "order", "having", "limit", "join", "left", "right", "inner", "union", "and", "or", "with", ")", ",", "--", "qualify", "window", "offset"} {
		if strings.HasPrefix(lower, keyword) {
			return true
		}
	}
	return false
}

// Truncate shortens value to at most limit bytes plus an ellipsis, cutting on
// a rune boundary.
func Truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	cut := max(limit, 0)
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + "..."
}

// ExtractJSON returns the outermost JSON object or array in text, or "".
func ExtractJSON(text string, open, close byte) string {
	body := StripFences(text)
	start := strings.IndexByte(body, open)
	end := strings.LastIndexByte(body, close)
	if start < 0 || end <= start {
		return ""
	}
	return body[start : end+1]
}
