// Package genai provides chat completion with tool calling on top of the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// ErrNoChoicesReturned is returned when the API responds without any choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// ClientInterface is the LLM-invocation capability used by the conversation runner.
type ClientInterface interface {
	// GenerateWithTools sends msgs with the given tool definitions and returns text and/or tool calls.
	GenerateWithTools(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
	// GenerateWithMessages sends msgs without tools and returns the reply text.
	GenerateWithMessages(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion) (string, error)
}

// ToolCallResponse is the model's reply to a tool-enabled request.
type ToolCallResponse struct {
	Content   string
	ToolCalls []models.ToolCall
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completions adapts the SDK's completion service to chatService.
type completions struct {
	svc *openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model, e.g. "gpt-4o-mini".
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = &t }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature *float64
}

// NewClient initializes a new GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	requestOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(requestOpts...)

	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "baseURL_set", cfg.BaseURL != "", "temperature_set", cfg.Temperature != nil)
	return &Client{chat: completions{svc: &cli.Chat.Completions}, model: cfg.Model, temperature: cfg.Temperature}, nil
}

// ProviderSupported reports whether an llm_settings provider can be served by this package.
func ProviderSupported(provider string) bool {
	return strings.EqualFold(strings.TrimSpace(provider), "openai")
}

// Model returns the configured chat model.
func (c *Client) Model() string {
	return c.model
}

func (c *Client) params(msgs []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: msgs,
	}
	if c.temperature != nil {
		params.Temperature = openai.Float(*c.temperature)
	}
	return params
}

// GenerateWithMessages sends msgs and returns the reply text.
func (c *Client) GenerateWithMessages(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.chat.Create(ctx, c.params(msgs))
	if err != nil {
		slog.Error("genai.GenerateWithMessages: completion failed", "model", c.model, "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateWithTools sends msgs with tool definitions and returns the reply text and any tool calls.
func (c *Client) GenerateWithTools(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	params := c.params(msgs)
	if len(tools) > 0 {
		params.Tools = tools
	}

	slog.Debug("genai.GenerateWithTools: sending request", "model", c.model, "messages", len(msgs), "tools", len(tools))
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("genai.GenerateWithTools: completion failed", "model", c.model, "error", err)
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}

	msg := resp.Choices[0].Message
	out := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: []byte(tc.Function.Arguments),
			},
		})
	}
	slog.Debug("genai.GenerateWithTools: received response", "contentLength", len(out.Content), "toolCalls", len(out.ToolCalls))
	return out, nil
}
