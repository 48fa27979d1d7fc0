package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/duckmesh/duckask/internal/config"
	"github.com/duckmesh/duckask/internal/conversation"
	"github.com/duckmesh/duckask/internal/llm"
)

type mockCompleter struct {
	response string
	err      error
	task     config.Task
	prompt   llm.Prompt
}

func (m *mockCompleter) Complete(_ context.Context, task config.Task, prompt llm.Prompt) (string, error) {
	m.task = task
	m.prompt = prompt
	return m.response, m.err
}

type stubPrompts struct {
	turns []conversation.Turn
}

func (s *stubPrompts) Classification(message string, turns []conversation.Turn) (llm.Prompt, error) {
	s.turns = turns
	return llm.Prompt{System: "classify", User: message}, nil
}

func TestClassifyParsesStructuredAnswer(t *testing.T) {
	completer := &mockCompleter{response: "```json\n{\"category\":\"query_request\",\"confidence\":0.92,\"rationale\":\"asks for rows\"}\n```"}
	classifier := NewClassifier(completer, &stubPrompts{}, 0.3, nil)

	result, err := classifier.Classify(context.Background(), "top 10 rows", nil)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Category != QueryRequest || result.Confidence != 0.92 || result.Fallback {
		t.Fatalf("result = %+v", result)
	}
	if completer.task != config.TaskClassification {
		t.Fatalf("task = %q", completer.task)
	}
}

func TestClassifyMalformedOutputFallsBackToOutOfScope(t *testing.T) {
	outputs := []string{
		"",
		"I think this is a query",
		`{"category":"sql_please","confidence":0.9}`,
		`{"category":"query_request"}`,
		`{"category":"query_request","confidence":7}`,
		`{"category": 12, "confidence": 0.5}`,
		`{"category":"query_request","confidence":0.9`,
	}
	for _, output := range outputs {
		classifier := NewClassifier(&mockCompleter{response: output}, &stubPrompts{}, 0.3, nil)
		result, err := classifier.Classify(context.Background(), "hello", nil)
		if err != nil {
			t.Fatalf("Classify(%q) error = %v", output, err)
		}
		if result.Category != OutOfScope || result.Confidence != 0 || !result.Fallback {
			t.Fatalf("Classify(%q) = %+v, want out_of_scope/0", output, result)
		}
		if !result.Category.Valid() {
			t.Fatalf("category %q outside the closed set", result.Category)
		}
	}
}

func TestClassifyBelowThresholdKeepsConfidence(t *testing.T) {
	completer := &mockCompleter{response: `{"category":"data_analysis","confidence":0.2}`}
	classifier := NewClassifier(completer, &stubPrompts{}, 0.3, nil)

	result, err := classifier.Classify(context.Background(), "hmm", nil)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Category != OutOfScope || result.Confidence != 0.2 || !result.Fallback {
		t.Fatalf("result = %+v", result)
	}
}

func TestClassifyDowngradesContextVariantWithoutTurns(t *testing.T) {
	completer := &mockCompleter{response: `{"category":"refinement_request","confidence":0.8}`}
	classifier := NewClassifier(completer, &stubPrompts{}, 0.3, nil)

	result, err := classifier.Classify(context.Background(), "only for germany", nil)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Category != QueryRequest {
		t.Fatalf("Category = %q, want query_request", result.Category)
	}
}

func TestClassifyKeepsContextVariantWithTurns(t *testing.T) {
	completer := &mockCompleter{response: `{"category":"comparison_analysis","confidence":0.8}`}
	prompts := &stubPrompts{}
	classifier := NewClassifier(completer, prompts, 0.3, nil)
	turns := []conversation.Turn{{Role: conversation.RoleAssistant, Message: "done", SQL: "SELECT 1"}}

	result, err := classifier.Classify(context.Background(), "compare with last year", turns)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Category != ComparisonAnalysis {
		t.Fatalf("Category = %q", result.Category)
	}
	if len(prompts.turns) != 1 {
		t.Fatalf("prompt turns = %d", len(prompts.turns))
	}
}

func TestClassifyPropagatesModelUnavailability(t *testing.T) {
	completer := &mockCompleter{err: llm.ErrUnavailable}
	classifier := NewClassifier(completer, &stubPrompts{}, 0.3, nil)

	_, err := classifier.Classify(context.Background(), "top 10 rows", nil)
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestClassifyEmptyMessageSkipsModel(t *testing.T) {
	completer := &mockCompleter{response: `{"category":"query_request","confidence":1}`}
	classifier := NewClassifier(completer, &stubPrompts{}, 0.3, nil)

	result, err := classifier.Classify(context.Background(), "   ", nil)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if result.Category != OutOfScope || completer.task != "" {
		t.Fatalf("result = %+v, task = %q", result, completer.task)
	}
}
