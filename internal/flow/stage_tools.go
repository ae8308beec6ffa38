package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// StageTools exposes the session transition operations to the LLM as callable tools.
type StageTools struct {
	engine *Engine
}

// NewStageTools creates the stage tools for an engine.
func NewStageTools(engine *Engine) *StageTools {
	return &StageTools{engine: engine}
}

// ToolExecution describes what a tool call did.
type ToolExecution struct {
	Tool    models.ToolType
	Outcome Outcome
	Message string // text handed back to the LLM as the tool result
}

// Definitions returns the OpenAI tool definitions for move_to_next_stage, complete_current_stage and
// end_conversation.
func (st *StageTools) Definitions() []openai.ChatCompletionToolParam {
	targets := append(st.engine.cfg.Flow.StageIDs(), models.EndStageID)
	return []openai.ChatCompletionToolParam{
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        string(models.ToolMoveToNextStage),
				Description: openai.String("Move directly to a specific next stage once the current stage's completion criteria are met. Only stages listed as possible next stages are accepted. Use END to finish the conversation."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"target_stage": map[string]interface{}{
							"type":        "string",
							"enum":        targets,
							"description": "The id of the stage to move to, or END",
						},
					},
					"required": []string{"target_stage"},
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        string(models.ToolCompleteCurrentStage),
				Description: openai.String("Complete the current stage and let the system pick the next stage from the reason given. Use this when the stage is done but the exact next stage is unclear."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"next_stage_reason": map[string]interface{}{
							"type":        "string",
							"description": "Why the stage is complete, using words from the matching next-stage condition",
						},
					},
					"required": []string{"next_stage_reason"},
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        string(models.ToolEndConversation),
				Description: openai.String("End the conversation gracefully, going through a completion or goodbye stage when one is available."),
				Parameters: shared.FunctionParameters{
					"type":       "object",
					"properties": map[string]interface{}{},
				},
			},
		},
	}
}

// Execute runs the named tool against session. Runtime stage errors (*UnknownStageError,
// *InvalidTransitionError) are returned unchanged and leave the session as it was.
func (st *StageTools) Execute(ctx context.Context, session *Session, name string, args json.RawMessage) (ToolExecution, error) {
	slog.Debug("StageTools.Execute: executing tool", "sessionID", session.ID(), "tool", name, "args", toolArgsForLog(args))
	call := models.FunctionCall{Name: name, Arguments: args}

	switch models.ToolType(name) {
	case models.ToolMoveToNextStage:
		params, err := call.ParseMoveToNextStageParams()
		if err != nil {
			return ToolExecution{Tool: models.ToolMoveToNextStage}, err
		}
		slog.Info("StageTools.Execute: move_to_next_stage", "sessionID", session.ID(), "target", params.TargetStage)
		outcome, err := session.RequestTransition(ctx, params.TargetStage)
		return st.finish(session, models.ToolMoveToNextStage, outcome, err)

	case models.ToolCompleteCurrentStage:
		params, err := call.ParseCompleteCurrentStageParams()
		if err != nil {
			return ToolExecution{Tool: models.ToolCompleteCurrentStage}, err
		}
		slog.Info("StageTools.Execute: complete_current_stage", "sessionID", session.ID(), "reason", params.NextStageReason)
		outcome, err := session.RequestAutoTransition(ctx, params.NextStageReason)
		return st.finish(session, models.ToolCompleteCurrentStage, outcome, err)

	case models.ToolEndConversation:
		slog.Info("StageTools.Execute: end_conversation", "sessionID", session.ID())
		outcome, err := session.RequestGracefulEnd(ctx)
		return st.finish(session, models.ToolEndConversation, outcome, err)

	default:
		slog.Warn("StageTools.Execute: unknown tool", "sessionID", session.ID(), "tool", name)
		return ToolExecution{}, fmt.Errorf("%w: %s", models.ErrUnknownToolName, name)
	}
}

func (st *StageTools) finish(session *Session, tool models.ToolType, outcome Outcome, err error) (ToolExecution, error) {
	exec := ToolExecution{Tool: tool, Outcome: outcome}
	if err != nil {
		if IsRecoverable(err) {
			slog.Warn("StageTools.Execute: transition rejected, staying in current stage",
				"sessionID", session.ID(), "tool", tool, "error", err)
		} else {
			slog.Error("StageTools.Execute: tool failed", "sessionID", session.ID(), "tool", tool, "error", err)
		}
		return exec, err
	}
	exec.Message = describeOutcome(st.engine, outcome)
	return exec, nil
}

func describeOutcome(engine *Engine, outcome Outcome) string {
	switch outcome.Kind {
	case OutcomeEntered:
		stage, _ := engine.Stage(outcome.StageID)
		return fmt.Sprintf("Moved to stage %s (%s). The user was told: %q. Follow the new stage instructions.",
			stage.ID, stage.Name, greetingOf(outcome))
	case OutcomeForcedGoodbye:
		return fmt.Sprintf("Moved to the goodbye stage. The user was told: %q.", greetingOf(outcome))
	case OutcomeStayed:
		return fmt.Sprintf("No next stage matched that reason. Stay in stage %s and keep working toward its completion criteria.", outcome.StageID)
	case OutcomeEnded:
		return "The conversation has ended. The closing message was delivered."
	default:
		return "Done."
	}
}

func greetingOf(outcome Outcome) string {
	if outcome.Descriptor == nil {
		return ""
	}
	return outcome.Descriptor.Greeting
}

// ToolResultText turns the result of Execute into the text reported back to the LLM.
func ToolResultText(exec ToolExecution, err error) string {
	if err == nil {
		return exec.Message
	}
	var invalid *InvalidTransitionError
	var unknown *UnknownStageError
	switch {
	case errors.As(err, &invalid):
		return fmt.Sprintf("Transition rejected: %s is not a valid next stage from %s. Valid targets: %v. You are still in stage %s.",
			invalid.To, invalid.From, invalid.Valid, invalid.From)
	case errors.As(err, &unknown):
		return fmt.Sprintf("Transition rejected: stage %s does not exist. The current stage is unchanged.", unknown.StageID)
	case errors.Is(err, ErrSessionEnded):
		return "The conversation has already ended."
	case errors.Is(err, ErrSessionNotStarted):
		return "The conversation has not started yet. No stage is active."
	default:
		return fmt.Sprintf("Tool call failed: %s", err.Error())
	}
}
