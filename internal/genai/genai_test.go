package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/caretrail/symflow/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	return m.resp, m.err
}

func completionWith(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGenerateWithMessages_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: completionWith("Hello World")}, model: openai.ChatModelGPT4oMini}
	out, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

// An empty choice list is an upstream failure and classifies like one, so
// callers retry it and the API maps it to 502.
func TestGenerateWithMessages_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}, model: openai.ChatModelGPT4oMini}
	_, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
	var extErr *models.ExternalServiceError
	if !errors.As(err, &extErr) {
		t.Fatalf("expected ExternalServiceError, got %T", err)
	}
	if extErr.Service != "openai" {
		t.Errorf("service = %q", extErr.Service)
	}
}

func TestGenerateWithMessages_ServiceErrorWrapped(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}, model: openai.ChatModelGPT4oMini}
	_, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err == nil {
		t.Fatal("expected error")
	}
	var extErr *models.ExternalServiceError
	if !errors.As(err, &extErr) {
		t.Fatalf("expected ExternalServiceError, got %T", err)
	}
	if extErr.Service != "openai" {
		t.Errorf("service = %q", extErr.Service)
	}
}

func TestExtract_ParsesJSON(t *testing.T) {
	mock := &mockChatService{resp: completionWith(`{"primary_symptom": "cough", "characteristic_answers": {"severity": "mild"}}`)}
	client := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	extraction, err := client.Extract(context.Background(), "mild cough since monday", nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if extraction.PrimarySymptom != "cough" {
		t.Errorf("primary symptom = %q", extraction.PrimarySymptom)
	}
	if extraction.CharacteristicAnswers["severity"] != "mild" {
		t.Errorf("answers = %v", extraction.CharacteristicAnswers)
	}
}

func TestExtract_StripsCodeFence(t *testing.T) {
	mock := &mockChatService{resp: completionWith("```json\n{\"primary_symptom\": \"fever\"}\n```")}
	client := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	extraction, err := client.Extract(context.Background(), "feverish", nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if extraction.PrimarySymptom != "fever" {
		t.Errorf("primary symptom = %q", extraction.PrimarySymptom)
	}
}

// A response the model phrases badly is "no information extracted", never an error.
func TestExtract_UnparseableIsEmptyNotError(t *testing.T) {
	mock := &mockChatService{resp: completionWith("I think the patient might have a cough.")}
	client := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	extraction, err := client.Extract(context.Background(), "coughing a lot", nil)
	if err != nil {
		t.Fatalf("parse failure must not be an error: %v", err)
	}
	if !extraction.Empty() {
		t.Errorf("expected empty extraction, got %+v", extraction)
	}
}

func TestExtract_IncludesHistory(t *testing.T) {
	mock := &mockChatService{resp: completionWith(`{"primary_symptom": ""}`)}
	client := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	history := []models.Message{
		{Content: "How severe is it?", Kind: models.MessageKindAI},
		{Content: "pretty bad", Kind: models.MessageKindUser},
	}
	if _, err := client.Extract(context.Background(), "about a week", history); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	// System prompt + 2 history turns + current message.
	if got := len(mock.params.Messages); got != 4 {
		t.Errorf("message count = %d, want 4", got)
	}
}

func TestSuggest(t *testing.T) {
	mock := &mockChatService{resp: completionWith("Check hydration and monitor the fever overnight.")}
	client := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	out, err := client.Suggest(context.Background(), "1. fever (general), severity severe")
	if err != nil {
		t.Fatalf("Suggest failed: %v", err)
	}
	if !strings.Contains(out, "monitor") {
		t.Errorf("unexpected suggestion: %q", out)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
	if _, err := NewClient(WithAPIKey("sk-test"), WithModel("gpt-4o")); err != nil {
		t.Errorf("explicit key should work: %v", err)
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := map[string]string{
		"{\"a\":1}":                      "{\"a\":1}",
		"```json\n{\"a\":1}\n```":        "{\"a\":1}",
		"```\n{\"a\":1}\n```":            "{\"a\":1}",
		"  ```json\n{\"a\":1}\n```\n  ": "{\"a\":1}",
	}
	for in, want := range cases {
		if got := stripCodeFence(in); got != want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}
