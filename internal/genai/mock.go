package genai

import (
	"context"
	"fmt"
	"sync"

	"github.com/openai/openai-go"
)

// MockClient replays scripted responses in order. It records every request it receives.
type MockClient struct {
	mu        sync.Mutex
	responses []*ToolCallResponse
	Err       error
	Requests  [][]openai.ChatCompletionMessageParamUnion
	ToolSets  [][]openai.ChatCompletionToolParam
}

// NewMockClient creates a MockClient that returns responses one per call.
func NewMockClient(responses ...*ToolCallResponse) *MockClient {
	return &MockClient{responses: responses}
}

// Push appends more scripted responses.
func (m *MockClient) Push(responses ...*ToolCallResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// GenerateWithTools returns the next scripted response.
func (m *MockClient) GenerateWithTools(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, msgs)
	m.ToolSets = append(m.ToolSets, tools)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mock client: no scripted response left")
	}
	next := m.responses[0]
	m.responses = m.responses[1:]
	return next, nil
}

// GenerateWithMessages returns the content of the next scripted response.
func (m *MockClient) GenerateWithMessages(ctx context.Context, msgs []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := m.GenerateWithTools(ctx, msgs, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Calls returns how many requests were made.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
