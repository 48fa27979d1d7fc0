package query

import (
	"errors"
	"fmt"
	"strings"
)

var ErrNotReadOnly = errors.New("statement is not a read-only query")

var forbiddenKeywords = map[string]bool{
	"insert": true, "update": true, "delete": true, "drop": true, "alter": true,
	"create": true, "truncate": true, "copy": true, "attach": true, "detach": true,
	"install": true, "grant": true, "revoke": true, "merge": true, "call": true,
	"pragma": true, "vacuum": true, "export": true, "import": true,
}

// CheckReadOnly accepts a single SELECT or WITH statement. Literals, quoted
// identifiers and comments are ignored when looking for write keywords.
func CheckReadOnly(sqlText string) error {
	code := stripLiteralsAndComments(StripTrailingSemicolons(sqlText))
	words := strings.FieldsFunc(strings.ToLower(code), func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	if len(words) == 0 {
		return fmt.Errorf("%w: empty statement", ErrNotReadOnly)
	}
	if words[0] != "select" && words[0] != "with" {
		return fmt.Errorf("%w: must start with SELECT or WITH, got %s", ErrNotReadOnly, strings.ToUpper(words[0]))
	}
	if strings.Contains(code, ";") {
		return fmt.Errorf("%w: multiple statements", ErrNotReadOnly)
	}
	for _, word := range words {
		if forbiddenKeywords[word] {
			return fmt.Errorf("%w: contains %s", ErrNotReadOnly, strings.ToUpper(word))
		}
	}
	return nil
}

func stripLiteralsAndComments(sqlText string) string {
	var b strings.Builder
	for i := 0; i < len(sqlText); i++ {
		ch := sqlText[i]
		switch {
		case ch == '\'' || ch == '"':
			end := i + 1
			for end < len(sqlText) {
				if sqlText[end] == ch {
					if end+1 < len(sqlText) && sqlText[end+1] == ch {
						end += 2
						continue
					}
					break
				}
				end++
			}
			b.WriteByte(' ')
			i = end
		case ch == '-' && i+1 < len(sqlText) && sqlText[i+1] == '-':
			for i < len(sqlText) && sqlText[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case ch == '/' && i+1 < len(sqlText) && sqlText[i+1] == '*':
			end := strings.Index(sqlText[i+2:], "*/")
			if end < 0 {
				i = len(sqlText)
			} else {
				i += end + 3
			}
			b.WriteByte(' ')
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
