package speech

import (
	"context"
	"sync"
)

// Utterance is one captured call to MockOutput.Say.
type Utterance struct {
	SessionID string
	Text      string
}

// MockOutput records everything it is asked to say. Set Err to make Say fail.
type MockOutput struct {
	mu         sync.Mutex
	utterances []Utterance
	Err        error
}

// NewMockOutput creates an empty MockOutput.
func NewMockOutput() *MockOutput {
	return &MockOutput{}
}

// Say records the utterance and returns m.Err.
func (m *MockOutput) Say(ctx context.Context, sessionID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utterances = append(m.utterances, Utterance{SessionID: sessionID, Text: text})
	return m.Err
}

// Utterances returns a copy of the recorded utterances.
func (m *MockOutput) Utterances() []Utterance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Utterance, len(m.utterances))
	copy(out, m.utterances)
	return out
}

// Texts returns just the spoken texts in order.
func (m *MockOutput) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.utterances))
	for _, u := range m.utterances {
		out = append(out, u.Text)
	}
	return out
}

// Reset forgets recorded utterances.
func (m *MockOutput) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utterances = nil
}

// MockSender is a MessageSender that records messages instead of sending them.
type MockSender struct {
	mu   sync.Mutex
	Sent []SentMessage
	Err  error
}

// SentMessage is one captured call to MockSender.SendMessage.
type SentMessage struct {
	To   string
	Body string
}

// SendMessage records the message.
func (m *MockSender) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}
