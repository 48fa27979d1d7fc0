// Package prompt loads named prompt templates and builds the model-facing
// prompts for every pipeline task. Templates carry {{name}} placeholders; each
// placeholder must be declared as a variable, either required or with a
// fallback used when no value is supplied.
package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/duckmesh/duckask/internal/llm"
)

var (
	ErrTemplateNotFound = errors.New("prompt template not found")
	ErrMissingVariable  = errors.New("missing required prompt variable")
	ErrInvalidTemplate  = errors.New("invalid prompt template")
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-z][a-z0-9_]*)\s*\}\}`)

type Variable struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	Default  string `yaml:"default"`
}

type Template struct {
	Name      string     `yaml:"name"`
	Version   int        `yaml:"version"`
	System    string     `yaml:"system"`
	User      string     `yaml:"user"`
	Variables []Variable `yaml:"variables"`

	vars map[string]Variable
}

type templateFile struct {
	Templates []*Template `yaml:"templates"`
}

// ParseTemplates decodes a YAML document holding a `templates:` list and
// validates every entry.
func ParseTemplates(data []byte) ([]*Template, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	seen := map[string]bool{}
	for _, tmpl := range file.Templates {
		if tmpl == nil {
			return nil, fmt.Errorf("%w: empty entry", ErrInvalidTemplate)
		}
		if err := tmpl.compile(); err != nil {
			return nil, err
		}
		if seen[tmpl.Name] {
			return nil, fmt.Errorf("%w: duplicate template %q", ErrInvalidTemplate, tmpl.Name)
		}
		seen[tmpl.Name] = true
	}
	return file.Templates, nil
}

func (t *Template) compile() error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTemplate)
	}
	if strings.TrimSpace(t.User) == "" {
		return fmt.Errorf("%w: %s: user text is required", ErrInvalidTemplate, t.Name)
	}
	t.vars = make(map[string]Variable, len(t.Variables))
	for _, variable := range t.Variables {
		if !placeholderPattern.MatchString("{{" + variable.Name + "}}") {
			return fmt.Errorf("%w: %s: invalid variable name %q", ErrInvalidTemplate, t.Name, variable.Name)
		}
		if _, dup := t.vars[variable.Name]; dup {
			return fmt.Errorf("%w: %s: duplicate variable %q", ErrInvalidTemplate, t.Name, variable.Name)
		}
		t.vars[variable.Name] = variable
	}
	for _, text := range []string{t.System, t.User} {
		for _, match := range placeholderPattern.FindAllStringSubmatch(text, -1) {
			if _, ok := t.vars[match[1]]; !ok {
				return fmt.Errorf("%w: %s: placeholder {{%s}} is not declared", ErrInvalidTemplate, t.Name, match[1])
			}
		}
	}
	return nil
}

// Render substitutes values into the template. Blank values count as absent:
// optional variables then take their declared default, required ones fail
// with ErrMissingVariable. Substituted text is never re-expanded.
func (t *Template) Render(values map[string]string) (llm.Prompt, error) {
	resolved := make(map[string]string, len(t.vars))
	for name, variable := range t.vars {
		value := values[name]
		if strings.TrimSpace(value) == "" {
			if variable.Required {
				return llm.Prompt{}, fmt.Errorf("%w: %s in template %s", ErrMissingVariable, name, t.Name)
			}
			value = variable.Default
		}
		resolved[name] = strings.TrimSpace(value)
	}
	expand := func(text string) string {
		return strings.TrimSpace(placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
			return resolved[placeholderPattern.FindStringSubmatch(token)[1]]
		}))
	}
	return llm.Prompt{System: expand(t.System), User: expand(t.User)}, nil
}

// HasUnresolved reports whether text still contains a placeholder token.
func HasUnresolved(text string) bool {
	return placeholderPattern.MatchString(text)
}
