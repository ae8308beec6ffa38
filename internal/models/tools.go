package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToolType names a stage tool exposed to the LLM.
type ToolType string

const (
	// ToolMoveToNextStage moves the session directly to a named stage.
	ToolMoveToNextStage ToolType = "move_to_next_stage"
	// ToolCompleteCurrentStage completes the stage and lets the resolver pick the next one.
	ToolCompleteCurrentStage ToolType = "complete_current_stage"
	// ToolEndConversation ends the conversation gracefully.
	ToolEndConversation ToolType = "end_conversation"
)

// IsValidToolType checks if the given tool name is one of the stage tools.
func IsValidToolType(name string) bool {
	switch ToolType(name) {
	case ToolMoveToNextStage, ToolCompleteCurrentStage, ToolEndConversation:
		return true
	default:
		return false
	}
}

// MoveToNextStageParams defines the parameters for move_to_next_stage.
type MoveToNextStageParams struct {
	TargetStage string `json:"target_stage"` // stage id or "END"
}

// Validate ensures the target stage is present.
func (p *MoveToNextStageParams) Validate() error {
	if strings.TrimSpace(p.TargetStage) == "" {
		return fmt.Errorf("target_stage is required")
	}
	return nil
}

// CompleteCurrentStageParams defines the parameters for complete_current_stage.
type CompleteCurrentStageParams struct {
	NextStageReason string `json:"next_stage_reason"` // free text matched against transition conditions
}

// Validate ensures a reason was supplied.
func (p *CompleteCurrentStageParams) Validate() error {
	if strings.TrimSpace(p.NextStageReason) == "" {
		return fmt.Errorf("next_stage_reason is required")
	}
	return nil
}

// ToolCall represents an LLM tool function call.
type ToolCall struct {
	ID       string       `json:"id"`       // Tool call ID from OpenAI
	Type     string       `json:"type"`     // Always "function" for OpenAI
	Function FunctionCall `json:"function"` // Function details
}

// FunctionCall represents the function details within a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`      // Function name (e.g., "move_to_next_stage")
	Arguments json.RawMessage `json:"arguments"` // JSON arguments as raw message
}

// ParseMoveToNextStageParams parses the arguments as MoveToNextStageParams.
func (fc *FunctionCall) ParseMoveToNextStageParams() (*MoveToNextStageParams, error) {
	if fc.Name != string(ToolMoveToNextStage) {
		return nil, fmt.Errorf("function name %s is not %s", fc.Name, ToolMoveToNextStage)
	}

	var params MoveToNextStageParams
	if err := unmarshalArguments(fc.Arguments, &params); err != nil {
		return nil, fmt.Errorf("failed to parse %s parameters: %w", fc.Name, err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s parameters: %w", fc.Name, err)
	}
	return &params, nil
}

// ParseCompleteCurrentStageParams parses the arguments as CompleteCurrentStageParams.
func (fc *FunctionCall) ParseCompleteCurrentStageParams() (*CompleteCurrentStageParams, error) {
	if fc.Name != string(ToolCompleteCurrentStage) {
		return nil, fmt.Errorf("function name %s is not %s", fc.Name, ToolCompleteCurrentStage)
	}

	var params CompleteCurrentStageParams
	if err := unmarshalArguments(fc.Arguments, &params); err != nil {
		return nil, fmt.Errorf("failed to parse %s parameters: %w", fc.Name, err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s parameters: %w", fc.Name, err)
	}
	return &params, nil
}

// unmarshalArguments treats empty arguments as an empty object.
func unmarshalArguments(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "" {
		raw = json.RawMessage("{}")
	}
	if len(raw) > MaxToolArgumentsLength {
		return ErrToolArgsTooLong
	}
	return json.Unmarshal(raw, v)
}
