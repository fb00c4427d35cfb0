// Package genai provides GenAI-enhanced operations using the OpenAI API.
//
// The conversation engine uses it for two things: extracting structured
// symptom information from free-text patient messages, and drafting a
// diagnostic suggestion when a finished collection is handed off.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/caretrail/symflow/internal/models"
)

// ErrNoChoicesReturned indicates the completion API returned an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService adapts the real OpenAI client to chatService.
type openaiChatService struct {
	client openai.Client
}

func (s *openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key explicitly instead of reading the environment.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the default chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = openai.ChatModel(model) }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat  chatService
	model openai.ChatModel
}

// NewClient initializes a new GenAI client. The API key comes from options
// or the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: &openaiChatService{client: cli}, model: cfg.Model}, nil
}

// GenerateWithMessages sends the given message sequence and returns the
// first choice's content.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	slog.Debug("GenAI GenerateWithMessages invoked", "messageCount", len(messages), "model", c.model)
	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("GenAI chat completion failed", "error", err)
		return "", &models.ExternalServiceError{Service: "openai", Err: err}
	}
	if len(resp.Choices) == 0 {
		slog.Error("GenAI chat completion returned no choices", "model", c.model)
		return "", &models.ExternalServiceError{Service: "openai", Err: ErrNoChoicesReturned}
	}
	return resp.Choices[0].Message.Content, nil
}

const extractionSystemPrompt = `You extract symptom information from a patient's message in a caregiving conversation.
Respond with JSON only, no prose, in this shape:
{"primary_symptom": "<single symptom keyword, or empty string>", "characteristic_answers": {"<key>": "<value>"}}
Use lowerCamelCase symptom keywords (e.g. cough, chestPain, shortnessOfBreath).
Characteristic keys include severity (one of none, mild, moderate, severe, critical), duration, frequency, impact_score (1-5), and any category-specific keys asked about.
Only include keys the patient actually answered. If the message carries no symptom information, return {"primary_symptom": "", "characteristic_answers": {}}.`

// Extract runs NLU over one inbound patient message. The recent history
// gives the model context for short answers like "about a week".
//
// A response the model phrases badly is not an error: unparseable content
// yields an empty Extraction so the caller can re-ask.
func (c *Client) Extract(ctx context.Context, text string, history []models.Message) (models.Extraction, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(extractionSystemPrompt))
	for _, m := range history {
		switch m.Kind {
		case models.MessageKindUser:
			messages = append(messages, openai.UserMessage(m.Content))
		default:
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(text))

	content, err := c.GenerateWithMessages(ctx, messages)
	if err != nil {
		return models.Extraction{}, err
	}

	var extraction models.Extraction
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &extraction); err != nil {
		slog.Warn("GenAI extraction response not parseable, treating as empty", "error", err)
		return models.Extraction{}, nil
	}
	slog.Debug("GenAI extraction parsed", "primarySymptom", extraction.PrimarySymptom,
		"answerCount", len(extraction.CharacteristicAnswers))
	return extraction, nil
}

const suggestionSystemPrompt = `You are a clinical assistant supporting a remote caregiving team.
Given a structured summary of symptoms collected from a patient, write a short draft assessment
for the care team to review: likely areas of concern and what to check first.
Two or three sentences. This is a draft for professionals, not medical advice for the patient.`

// Suggest drafts an assessment note from a symptom summary for the care team.
func (c *Client) Suggest(ctx context.Context, symptomSummary string) (string, error) {
	return c.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(suggestionSystemPrompt),
		openai.UserMessage(symptomSummary),
	})
}

// stripCodeFence removes a surrounding markdown code fence, which some
// models wrap JSON responses in despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
