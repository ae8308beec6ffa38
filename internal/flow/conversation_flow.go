package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/StagePipe/internal/genai"
	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

const (
	maxToolRounds       = 10
	defaultHistoryTurns = 30
	fallbackReply       = "Sorry, could you say that again?"
)

// Conversation drives one session with an LLM: it records user utterances, runs the tool-call loop
// against the current stage descriptor and speaks the model's replies.
//
// turnMu single-flights whole turns and direct tool invocations, so two transitions for the same
// session are never in flight at once.
type Conversation struct {
	session *Session
	client  genai.ClientInterface
	tools   *StageTools

	turnMu       sync.Mutex
	turns        [][]openai.ChatCompletionMessageParamUnion
	historyTurns int
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// WithHistoryTurns bounds how many past turns are sent to the LLM. Turns are kept whole so tool
// calls are never separated from their results.
func WithHistoryTurns(n int) ConversationOption {
	return func(c *Conversation) {
		if n > 0 {
			c.historyTurns = n
		}
	}
}

// NewConversation creates a conversation runner for session.
func NewConversation(session *Session, client genai.ClientInterface, opts ...ConversationOption) *Conversation {
	c := &Conversation{
		session:      session,
		client:       client,
		tools:        NewStageTools(session.Engine()),
		historyTurns: defaultHistoryTurns,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the underlying session.
func (c *Conversation) Session() *Session {
	return c.session
}

// ID returns the session id.
func (c *Conversation) ID() string {
	return c.session.ID()
}

// Start enters the start stage. The spoken greeting is remembered as the agent's first turn.
func (c *Conversation) Start(ctx context.Context) (*StageContextDescriptor, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	descriptor, err := c.session.Start(ctx)
	if err != nil {
		return nil, err
	}
	if descriptor.Greeting != "" {
		c.turns = append(c.turns, []openai.ChatCompletionMessageParamUnion{openai.AssistantMessage(descriptor.Greeting)})
	}
	return descriptor, nil
}

// HandleUtterance processes one user turn and returns the agent's reply.
// The reply is spoken unless the turn ended the conversation, in which case the closing message has
// already been delivered.
func (c *Conversation) HandleUtterance(ctx context.Context, text string) (string, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	sessionID := c.session.ID()
	slog.Info("Conversation.HandleUtterance: user turn", "sessionID", sessionID, "stageID", c.session.CurrentStageID(), "length", len(text))

	if err := c.session.RecordUserUtterance(ctx, text); err != nil {
		return "", err
	}

	turn := []openai.ChatCompletionMessageParamUnion{openai.UserMessage(text)}
	reply, turn, err := c.runToolLoop(ctx, turn)
	if err != nil {
		slog.Error("Conversation.HandleUtterance: tool loop failed", "sessionID", sessionID, "error", err, "messages", len(turn))
		// Tool calls already executed changed the session; the model must see them next turn.
		if len(turn) > 1 {
			c.appendTurn(turn)
		}
		return "", err
	}

	if reply != "" {
		turn = append(turn, openai.AssistantMessage(reply))
	}
	c.appendTurn(turn)

	if reply != "" && !c.session.Ended() {
		c.session.say(ctx, reply)
	}
	slog.Info("Conversation.HandleUtterance: turn complete", "sessionID", sessionID,
		"stageID", c.session.CurrentStageID(), "ended", c.session.Ended(), "replyLength", len(reply))
	return reply, nil
}

// runToolLoop calls the LLM until it produces a user-facing reply, executing stage tools in between.
func (c *Conversation) runToolLoop(ctx context.Context, turn []openai.ChatCompletionMessageParamUnion) (string, []openai.ChatCompletionMessageParamUnion, error) {
	sessionID := c.session.ID()
	tools := c.tools.Definitions()

	for round := 1; round <= maxToolRounds; round++ {
		messages := c.buildMessages(turn)
		slog.Debug("Conversation.runToolLoop: round start", "sessionID", sessionID, "round", round, "messageCount", len(messages))

		resp, err := c.client.GenerateWithTools(ctx, messages, tools)
		if err != nil {
			return "", turn, fmt.Errorf("failed to generate response with tools: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Content != "" {
				return resp.Content, turn, nil
			}
			slog.Warn("Conversation.runToolLoop: received empty content and no tool calls", "sessionID", sessionID, "round", round)
			return fallbackReply, turn, nil
		}

		turn = c.executeToolCalls(ctx, resp, turn)

		if c.session.Ended() {
			slog.Info("Conversation.runToolLoop: conversation ended by tool call", "sessionID", sessionID, "round", round)
			return resp.Content, turn, nil
		}
		if resp.Content != "" {
			return resp.Content, turn, nil
		}
	}

	slog.Warn("Conversation.runToolLoop: hit maximum tool rounds, asking for a reply without tools", "sessionID", sessionID, "maxRounds", maxToolRounds)
	return c.finalReply(ctx, turn), turn, nil
}

// finalReply asks the model for a plain reply with no tools offered. Failures fall back to a canned reply.
func (c *Conversation) finalReply(ctx context.Context, turn []openai.ChatCompletionMessageParamUnion) string {
	content, err := c.client.GenerateWithMessages(ctx, c.buildMessages(turn))
	if err != nil {
		slog.Warn("Conversation.finalReply: completion failed", "sessionID", c.session.ID(), "error", err)
		return fallbackReply
	}
	if content == "" {
		return fallbackReply
	}
	return content
}

// executeToolCalls records the assistant tool-call message, runs each call in order and appends the results.
func (c *Conversation) executeToolCalls(ctx context.Context, resp *genai.ToolCallResponse, turn []openai.ChatCompletionMessageParamUnion) []openai.ChatCompletionMessageParamUnion {
	toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(resp.ToolCalls))
	for _, call := range resp.ToolCalls {
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:   call.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      call.Function.Name,
				Arguments: string(call.Function.Arguments),
			},
		})
	}
	assistant := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{
			OfString: param.NewOpt(resp.Content),
		},
		ToolCalls: toolCalls,
	}
	turn = append(turn, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

	for _, call := range resp.ToolCalls {
		exec, err := c.tools.Execute(ctx, c.session, call.Function.Name, call.Function.Arguments)
		result := ToolResultText(exec, err)
		slog.Debug("Conversation.executeToolCalls: tool result", "sessionID", c.session.ID(),
			"tool", call.Function.Name, "toolCallID", call.ID, "result", result)
		turn = append(turn, openai.ToolMessage(result, call.ID))
	}
	return turn
}

// InvokeTool runs a stage tool directly, outside of an LLM turn.
func (c *Conversation) InvokeTool(ctx context.Context, name string, args json.RawMessage) (ToolExecution, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	if !models.IsValidToolType(name) {
		return ToolExecution{}, fmt.Errorf("%w: %s", models.ErrUnknownToolName, name)
	}
	return c.tools.Execute(ctx, c.session, name, args)
}

// Tools returns the stage tools bound to this conversation's engine.
func (c *Conversation) Tools() *StageTools {
	return c.tools
}

func (c *Conversation) buildMessages(current []openai.ChatCompletionMessageParamUnion) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 1+len(current)+2*len(c.turns))
	if d := c.session.Descriptor(); d != nil {
		messages = append(messages, openai.SystemMessage(d.SystemText()))
	}
	for _, turn := range c.turns {
		messages = append(messages, turn...)
	}
	return append(messages, current...)
}

func (c *Conversation) appendTurn(turn []openai.ChatCompletionMessageParamUnion) {
	c.turns = append(c.turns, turn)
	if len(c.turns) > c.historyTurns {
		c.turns = c.turns[len(c.turns)-c.historyTurns:]
	}
}
