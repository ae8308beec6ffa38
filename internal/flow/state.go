package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// Recorder receives a copy of every committed session change. Recorders are an audit sink:
// their errors are logged and never fail the operation that produced the change.
type Recorder interface {
	// RecordSession stores the latest summary of a session.
	RecordSession(ctx context.Context, rec models.SessionRecord) error

	// RecordHistory appends one history entry for a session.
	RecordHistory(ctx context.Context, sessionID string, entry models.HistoryEntry) error
}

// State is a point-in-time copy of a session's state.
type State struct {
	SessionID      string                  `json:"session_id"`
	CurrentStageID string                  `json:"current_stage_id"`
	Context        map[string]any          `json:"context"`
	History        []models.HistoryEntry   `json:"history"`
	Ended          bool                    `json:"ended"`
	Descriptor     *StageContextDescriptor `json:"descriptor,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// OutcomeKind classifies the result of a transition operation.
type OutcomeKind string

const (
	// OutcomeEntered means a stage was entered through a validated transition.
	OutcomeEntered OutcomeKind = "entered"
	// OutcomeStayed means no transition matched and the session kept its stage.
	OutcomeStayed OutcomeKind = "stayed"
	// OutcomeEnded means the session reached ENDED.
	OutcomeEnded OutcomeKind = "ended"
	// OutcomeForcedGoodbye means a graceful end entered "goodbye" without a declared transition.
	OutcomeForcedGoodbye OutcomeKind = "forced_goodbye"
)

// Outcome reports what a transition operation did.
type Outcome struct {
	Kind       OutcomeKind
	StageID    string                  // stage the session is in afterwards, or "END"
	Descriptor *StageContextDescriptor // nil when the session ended
}
