package prompt

import (
	"errors"
	"strings"
	"testing"
)

const greetingTemplate = `
templates:
  - name: greeting
    system: "Speak {{tone}}."
    user: "Hello {{name}}, see {{footer}}"
    variables:
      - name: tone
        default: politely
      - name: name
        required: true
      - name: footer
        default: the docs
`

func parseOne(t *testing.T, data string) *Template {
	t.Helper()
	templates, err := ParseTemplates([]byte(data))
	if err != nil {
		t.Fatalf("ParseTemplates() error = %v", err)
	}
	if len(templates) != 1 {
		t.Fatalf("templates = %d", len(templates))
	}
	return templates[0]
}

func TestRenderWithAllVariablesLeavesNoPlaceholders(t *testing.T) {
	tmpl := parseOne(t, greetingTemplate)
	prompt, err := tmpl.Render(map[string]string{"tone": "briefly", "name": "Ada", "footer": "chapter 2"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if prompt.System != "Speak briefly." || prompt.User != "Hello Ada, see chapter 2" {
		t.Fatalf("prompt = %+v", prompt)
	}
	if HasUnresolved(prompt.System) || HasUnresolved(prompt.User) {
		t.Fatalf("unresolved placeholder in %+v", prompt)
	}
}

func TestRenderUsesDeclaredFallbackExactly(t *testing.T) {
	tmpl := parseOne(t, greetingTemplate)
	prompt, err := tmpl.Render(map[string]string{"name": "Ada", "footer": "   "})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if prompt.System != "Speak politely." || prompt.User != "Hello Ada, see the docs" {
		t.Fatalf("prompt = %+v", prompt)
	}
}

func TestRenderMissingRequiredVariable(t *testing.T) {
	tmpl := parseOne(t, greetingTemplate)
	if _, err := tmpl.Render(nil); !errors.Is(err, ErrMissingVariable) {
		t.Fatalf("Render() err = %v, want ErrMissingVariable", err)
	}
}

func TestRenderDoesNotExpandSubstitutedText(t *testing.T) {
	tmpl := parseOne(t, greetingTemplate)
	prompt, err := tmpl.Render(map[string]string{"name": "{{tone}}"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if prompt.User != "Hello {{tone}}, see the docs" {
		t.Fatalf("user = %q", prompt.User)
	}
}

func TestParseTemplatesRejectsInvalidDefinitions(t *testing.T) {
	cases := map[string]string{
		"undeclared placeholder": `
templates:
  - name: a
    user: "{{question}}"
`,
		"missing name": `
templates:
  - user: "hi"
`,
		"duplicate variable": `
templates:
  - name: a
    user: "{{q}}"
    variables:
      - name: q
      - name: q
`,
		"duplicate template": `
templates:
  - name: a
    user: "hi"
  - name: a
    user: "ho"
`,
		"not yaml": "templates: [",
	}
	for name, data := range cases {
		if _, err := ParseTemplates([]byte(data)); !errors.Is(err, ErrInvalidTemplate) {
			t.Fatalf("%s: err = %v, want ErrInvalidTemplate", name, err)
		}
	}
}

func TestPlaceholderWhitespaceIsAccepted(t *testing.T) {
	tmpl := parseOne(t, `
templates:
  - name: spaced
    user: "Q: {{ question }}"
    variables:
      - name: question
        required: true
`)
	prompt, err := tmpl.Render(map[string]string{"question": "why?"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.HasSuffix(prompt.User, "why?") {
		t.Fatalf("user = %q", prompt.User)
	}
}
