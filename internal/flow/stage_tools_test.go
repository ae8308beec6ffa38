package flow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageTools_Definitions(t *testing.T) {
	tools := NewStageTools(newTestEngine(t))
	defs := tools.Definitions()
	require.Len(t, defs, 3)

	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Function.Name)
	}
	assert.Equal(t, []string{"move_to_next_stage", "complete_current_stage", "end_conversation"}, names)

	props := defs[0].Function.Parameters["properties"].(map[string]interface{})
	target := props["target_stage"].(map[string]interface{})
	assert.Equal(t, []string{"billing", "completion", "goodbye", "greeting", "support", "END"}, target["enum"])
}

func TestStageTools_Execute(t *testing.T) {
	engine := newTestEngine(t)
	tools := NewStageTools(engine)
	ctx := context.Background()

	t.Run("move_to_next_stage", func(t *testing.T) {
		s, _ := startedSession(t, engine)
		exec, err := tools.Execute(ctx, s, "move_to_next_stage", json.RawMessage(`{"target_stage":"support"}`))
		require.NoError(t, err)
		assert.Equal(t, models.ToolMoveToNextStage, exec.Tool)
		assert.Equal(t, OutcomeEntered, exec.Outcome.Kind)
		assert.Equal(t, "support", s.CurrentStageID())
		assert.Contains(t, exec.Message, "Moved to stage support (Support)")
		assert.Contains(t, exec.Message, "I can help with that.")
	})

	t.Run("move_to_next_stage rejected", func(t *testing.T) {
		s, _ := startedSession(t, engine)
		exec, err := tools.Execute(ctx, s, "move_to_next_stage", json.RawMessage(`{"target_stage":"completion"}`))
		var invalid *InvalidTransitionError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "greeting", s.CurrentStageID())

		text := ToolResultText(exec, err)
		assert.Contains(t, text, "Transition rejected")
		assert.Contains(t, text, "[billing support]")
		assert.Contains(t, text, "still in stage greeting")
	})

	t.Run("move_to_next_stage missing target", func(t *testing.T) {
		s, _ := startedSession(t, engine)
		_, err := tools.Execute(ctx, s, "move_to_next_stage", json.RawMessage(`{}`))
		require.Error(t, err)
		assert.False(t, IsRecoverable(err))
		assert.Equal(t, "greeting", s.CurrentStageID())
	})

	t.Run("complete_current_stage", func(t *testing.T) {
		s, _ := startedSession(t, engine)
		exec, err := tools.Execute(ctx, s, "complete_current_stage", json.RawMessage(`{"next_stage_reason":"caller wants to make a payment"}`))
		require.NoError(t, err)
		assert.Equal(t, OutcomeEntered, exec.Outcome.Kind)
		assert.Equal(t, "billing", s.CurrentStageID())
	})

	t.Run("complete_current_stage without match", func(t *testing.T) {
		s, _ := startedSession(t, engine)
		exec, err := tools.Execute(ctx, s, "complete_current_stage", json.RawMessage(`{"next_stage_reason":"small talk"}`))
		require.NoError(t, err)
		assert.Equal(t, OutcomeStayed, exec.Outcome.Kind)
		assert.Contains(t, exec.Message, "Stay in stage greeting")
	})

	t.Run("end_conversation", func(t *testing.T) {
		s, _ := sessionAt(t, engine, "support")
		exec, err := tools.Execute(ctx, s, "end_conversation", nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeEntered, exec.Outcome.Kind)
		assert.Equal(t, "completion", s.CurrentStageID())
	})

	t.Run("end via END target", func(t *testing.T) {
		s, out := sessionAt(t, engine, "billing")
		exec, err := tools.Execute(ctx, s, "move_to_next_stage", json.RawMessage(`{"target_stage":"END"}`))
		require.NoError(t, err)
		assert.Equal(t, OutcomeEnded, exec.Outcome.Kind)
		assert.Equal(t, "The conversation has ended. The closing message was delivered.", exec.Message)
		assert.Equal(t, []string{models.DefaultClosingMessage}, out.Texts())

		_, err = tools.Execute(ctx, s, "end_conversation", nil)
		assert.ErrorIs(t, err, ErrSessionEnded)
		assert.Equal(t, "The conversation has already ended.", ToolResultText(ToolExecution{}, err))
	})

	t.Run("unknown tool", func(t *testing.T) {
		s, _ := startedSession(t, engine)
		_, err := tools.Execute(ctx, s, "transfer_call", nil)
		assert.ErrorIs(t, err, models.ErrUnknownToolName)
	})
}

func TestToolResultText_UnknownStage(t *testing.T) {
	text := ToolResultText(ToolExecution{}, &UnknownStageError{StageID: "refunds"})
	assert.Equal(t, "Transition rejected: stage refunds does not exist. The current stage is unchanged.", text)
}
