package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/speech"
)

// Session is the state of one live conversation.
//
// All operations lock mu for their whole duration, including the stage entry sequence
// (context merge, render, history append, greeting, descriptor), so no observer ever sees a partial entry.
type Session struct {
	id     string
	engine *Engine
	out    speech.Output

	mu             sync.Mutex
	currentStageID string
	context        map[string]any
	history        []models.HistoryEntry
	descriptor     *StageContextDescriptor
	ended          bool
	createdAt      time.Time
	updatedAt      time.Time
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Engine returns the engine the session belongs to.
func (s *Session) Engine() *Engine {
	return s.engine
}

// Start enters the configured start stage.
func (s *Session) Start(ctx context.Context) (*StageContextDescriptor, error) {
	slog.Info("flow.Session.Start: starting session", "sessionID", s.id, "startStage", s.engine.StartStage())
	return s.EnterStage(ctx, s.engine.StartStage())
}

// EnterStage makes stageID the current stage.
//
// It fails with *UnknownStageError, leaving the session untouched, when stageID is not in the graph.
// If ctx is already cancelled nothing is recorded. Otherwise the context updates are merged, the
// greeting and prompt are rendered with the merged context, exactly one assistant history entry holding
// the rendered prompt is appended, the greeting is spoken and the new descriptor is returned.
func (s *Session) EnterStage(ctx context.Context, stageID string) (*StageContextDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return nil, ErrSessionEnded
	}
	return s.enterStageLocked(ctx, stageID)
}

func (s *Session) enterStageLocked(ctx context.Context, stageID string) (*StageContextDescriptor, error) {
	stage, ok := s.engine.Stage(stageID)
	if !ok {
		slog.Warn("flow.Session.EnterStage: unknown stage", "sessionID", s.id, "stageID", stageID)
		return nil, &UnknownStageError{StageID: stageID}
	}

	merged := copyContext(s.context)
	for k, v := range stage.ContextUpdates {
		merged[k] = v
	}
	if keys := unrepresentableKeys(merged); len(keys) > 0 {
		slog.Warn("flow.Session.EnterStage: context values without text form left unsubstituted",
			"sessionID", s.id, "stageID", stageID, "keys", keys)
	}
	greeting := Substitute(stage.Greeting, merged)
	prompt := Substitute(stage.Prompt, merged)

	if err := ctx.Err(); err != nil {
		slog.Warn("flow.Session.EnterStage: cancelled before commit", "sessionID", s.id, "stageID", stageID, "error", err)
		return nil, err
	}

	now := s.engine.now()
	entry := models.HistoryEntry{Role: models.RoleAssistant, Content: prompt, StageID: stageID, Timestamp: now}
	descriptor := newDescriptor(s.engine.cfg, stage, merged, greeting, prompt)

	previous := s.currentStageID
	s.currentStageID = stageID
	s.context = merged
	s.history = append(s.history, entry)
	s.descriptor = descriptor
	s.updatedAt = now

	slog.Info("flow.Session.EnterStage: entered stage", "sessionID", s.id, "from", previous, "to", stageID,
		"stageName", stage.Name, "contextUpdates", len(stage.ContextUpdates))
	slog.Debug("flow.Session.EnterStage: context after merge", "sessionID", s.id, "context", merged)

	s.say(ctx, greeting)
	s.recordSession(ctx)
	s.recordHistory(ctx, entry)
	return descriptor, nil
}

// RecordUserUtterance appends a user history entry tagged with the current stage.
// It never triggers a transition. The only failure is ErrSessionEnded.
func (s *Session) RecordUserUtterance(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}

	now := s.engine.now()
	entry := models.HistoryEntry{Role: models.RoleUser, Content: text, StageID: s.currentStageID, Timestamp: now}
	s.history = append(s.history, entry)
	s.updatedAt = now

	slog.Debug("flow.Session.RecordUserUtterance: user said", "sessionID", s.id, "stageID", s.currentStageID, "length", len(text))
	s.recordHistory(ctx, entry)
	return nil
}

// RequestTransition moves the session to target.
//
// "END" speaks the closing message and ends the session without entering a stage. An unknown target
// fails with *UnknownStageError and a target the current stage does not declare fails with
// *InvalidTransitionError. In both cases the session keeps its state. Before Start it fails with
// ErrSessionNotStarted.
func (s *Session) RequestTransition(ctx context.Context, target string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMovableLocked("RequestTransition"); err != nil {
		return Outcome{}, err
	}
	return s.transitionLocked(ctx, target)
}

// checkMovableLocked guards the transition operations. Before Start there is no current stage, so every
// transition request is rejected with ErrSessionNotStarted, END and graceful end included.
func (s *Session) checkMovableLocked(op string) error {
	if s.ended {
		return ErrSessionEnded
	}
	if s.currentStageID == "" {
		slog.Warn("flow.Session."+op+": session not started", "sessionID", s.id)
		return ErrSessionNotStarted
	}
	return nil
}

func (s *Session) transitionLocked(ctx context.Context, target string) (Outcome, error) {
	if target == models.EndStageID {
		return s.endLocked(ctx), nil
	}
	if _, ok := s.engine.Stage(target); !ok {
		slog.Warn("flow.Session.RequestTransition: unknown target stage", "sessionID", s.id, "from", s.currentStageID, "to", target)
		return Outcome{}, &UnknownStageError{StageID: target}
	}

	current, _ := s.engine.Stage(s.currentStageID)
	if !current.HasTarget(target) {
		valid := current.TargetIDs()
		slog.Warn("flow.Session.RequestTransition: invalid transition", "sessionID", s.id,
			"from", s.currentStageID, "to", target, "valid", valid)
		return Outcome{}, &InvalidTransitionError{From: s.currentStageID, To: target, Valid: valid}
	}

	descriptor, err := s.enterStageLocked(ctx, target)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeEntered, StageID: target, Descriptor: descriptor}, nil
}

// RequestAutoTransition resolves reason against the current stage's transitions and follows the match.
// When nothing matches the session stays where it is; that is not an error.
func (s *Session) RequestAutoTransition(ctx context.Context, reason string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMovableLocked("RequestAutoTransition"); err != nil {
		return Outcome{}, err
	}

	current, _ := s.engine.Stage(s.currentStageID)
	target, ok := s.engine.resolver.Resolve(reason, current)
	if !ok {
		slog.Info("flow.Session.RequestAutoTransition: no condition matched, staying", "sessionID", s.id, "stageID", s.currentStageID)
		return Outcome{Kind: OutcomeStayed, StageID: s.currentStageID, Descriptor: s.descriptor}, nil
	}

	slog.Info("flow.Session.RequestAutoTransition: condition matched", "sessionID", s.id, "from", s.currentStageID, "to", target)
	return s.transitionLocked(ctx, target)
}

// RequestGracefulEnd winds the conversation down. It prefers a declared transition to "completion",
// then one to "goodbye". Failing both it enters an existing "goodbye" stage without a declared
// transition (reported as OutcomeForcedGoodbye), even when already there, and otherwise speaks the
// closing message and ends.
func (s *Session) RequestGracefulEnd(ctx context.Context) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkMovableLocked("RequestGracefulEnd"); err != nil {
		return Outcome{}, err
	}

	current, _ := s.engine.Stage(s.currentStageID)
	switch {
	case current.HasTarget(CompletionStageID):
		return s.transitionLocked(ctx, CompletionStageID)
	case current.HasTarget(GoodbyeStageID):
		return s.transitionLocked(ctx, GoodbyeStageID)
	}

	if _, ok := s.engine.Stage(GoodbyeStageID); ok {
		slog.Warn("flow.Session.RequestGracefulEnd: forcing goodbye stage without declared transition",
			"sessionID", s.id, "from", s.currentStageID)
		descriptor, err := s.enterStageLocked(ctx, GoodbyeStageID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeForcedGoodbye, StageID: GoodbyeStageID, Descriptor: descriptor}, nil
	}

	return s.endLocked(ctx), nil
}

func (s *Session) endLocked(ctx context.Context) Outcome {
	s.ended = true
	s.updatedAt = s.engine.now()
	slog.Info("flow.Session: conversation ended", "sessionID", s.id, "lastStage", s.currentStageID)

	s.say(ctx, s.engine.cfg.AgentConfig.Farewell())
	s.recordSession(ctx)
	return Outcome{Kind: OutcomeEnded, StageID: models.EndStageID}
}

// Ended reports whether the session reached ENDED.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// CurrentStageID returns the current stage id, empty before the first entry.
func (s *Session) CurrentStageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentStageID
}

// Descriptor returns the descriptor of the latest stage entry, nil before the first entry.
func (s *Session) Descriptor() *StageContextDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descriptor
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]models.HistoryEntry, len(s.history))
	copy(history, s.history)
	return State{
		SessionID:      s.id,
		CurrentStageID: s.currentStageID,
		Context:        copyContext(s.context),
		History:        history,
		Ended:          s.ended,
		Descriptor:     s.descriptor,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
}

// say delivers text to the speech output. Delivery failures do not undo a committed change.
func (s *Session) say(ctx context.Context, text string) {
	if text == "" {
		return
	}
	slog.Debug("flow.Session.say: speaking", "sessionID", s.id, "text", text)
	if err := s.out.Say(ctx, s.id, text); err != nil {
		slog.Error("flow.Session.say: speech output failed", "sessionID", s.id, "error", err)
	}
}

func (s *Session) recordHistory(ctx context.Context, entry models.HistoryEntry) {
	if s.engine.recorder == nil {
		return
	}
	if err := s.engine.recorder.RecordHistory(ctx, s.id, entry); err != nil {
		slog.Error("flow.Session.recordHistory: recorder failed", "sessionID", s.id, "error", err)
	}
}

func (s *Session) recordSession(ctx context.Context) {
	if s.engine.recorder == nil {
		return
	}
	rec := models.SessionRecord{
		ID:             s.id,
		AgentName:      s.engine.cfg.AgentConfig.Name,
		CurrentStageID: s.currentStageID,
		Ended:          s.ended,
		Context:        copyContext(s.context),
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
	if err := s.engine.recorder.RecordSession(ctx, rec); err != nil {
		slog.Error("flow.Session.recordSession: recorder failed", "sessionID", s.id, "error", err)
	}
}
