package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp       openai.ChatCompletion
	err        error
	lastParams openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.lastParams = params
	return m.resp, m.err
}

func TestGenerateWithMessages_Success(t *testing.T) {
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: "Hello World"}},
		},
	}
	svc := &mockChatService{resp: mockResp}
	client := &Client{chat: svc, model: "gpt-4o-mini"}

	out, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage("system prompt"),
		openai.UserMessage("user prompt"),
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if string(svc.lastParams.Model) != "gpt-4o-mini" {
		t.Errorf("expected model gpt-4o-mini, got %q", svc.lastParams.Model)
	}
	if len(svc.lastParams.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(svc.lastParams.Messages))
	}
}

func TestGenerateWithMessages_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GenerateWithMessages(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateWithMessages_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}}}
	_, err := client.GenerateWithMessages(context.Background(), nil)
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerateWithTools_ConvertsToolCalls(t *testing.T) {
	mockResp := openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Content: "",
				ToolCalls: []openai.ChatCompletionMessageToolCall{{
					ID: "call_1",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      "move_to_next_stage",
						Arguments: `{"target_stage":"billing"}`,
					},
				}},
			},
		}},
	}
	temp := 0.3
	svc := &mockChatService{resp: mockResp}
	client := &Client{chat: svc, model: "gpt-4o-mini", temperature: &temp}

	tools := []openai.ChatCompletionToolParam{{Type: "function"}}
	resp, err := client.GenerateWithTools(context.Background(), nil, tools)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_1" || call.Function.Name != "move_to_next_stage" || string(call.Function.Arguments) != `{"target_stage":"billing"}` {
		t.Errorf("unexpected tool call %+v", call)
	}
	if len(svc.lastParams.Tools) != 1 {
		t.Errorf("expected tools to be forwarded, got %d", len(svc.lastParams.Tools))
	}
	if svc.lastParams.Temperature.Value != 0.3 {
		t.Errorf("expected temperature 0.3, got %v", svc.lastParams.Temperature.Value)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"), WithBaseURL("http://localhost:9999/v1"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.Model() != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", cli.Model())
	}
}

func TestNewClient_DefaultModel(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cli.Model() != DefaultModel {
		t.Errorf("expected default model, got %q", cli.Model())
	}
}

func TestProviderSupported(t *testing.T) {
	if !ProviderSupported("openai") || !ProviderSupported(" OpenAI ") {
		t.Error("expected openai to be supported")
	}
	if ProviderSupported("anthropic") {
		t.Error("expected anthropic to be unsupported")
	}
}

func TestMockClient_ReplaysInOrder(t *testing.T) {
	m := NewMockClient(&ToolCallResponse{Content: "one"}, &ToolCallResponse{Content: "two"})
	ctx := context.Background()

	if out, _ := m.GenerateWithMessages(ctx, nil); out != "one" {
		t.Errorf("expected 'one', got %q", out)
	}
	if out, _ := m.GenerateWithMessages(ctx, nil); out != "two" {
		t.Errorf("expected 'two', got %q", out)
	}
	if _, err := m.GenerateWithMessages(ctx, nil); err == nil {
		t.Error("expected error when script is exhausted")
	}
	if m.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", m.Calls())
	}
}
