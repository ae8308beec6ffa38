// Package flow implements the stage-flow engine that drives a config-defined conversation.
//
// An Engine holds the immutable stage graph of one agent configuration and creates Sessions. A Session
// owns the mutable conversation state (current stage, context, history) and exposes the stage entry and
// transition operations the LLM calls as tools. Every Session operation is serialized by the session's
// own mutex; sessions share nothing mutable.
package flow

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/speech"
)

// Preferred targets for a graceful end, in order.
const (
	CompletionStageID = "completion"
	GoodbyeStageID    = "goodbye"
)

// Engine is the shared, read-only part of the stage-flow engine.
type Engine struct {
	cfg      *models.Config
	resolver Resolver
	recorder Recorder
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithResolver replaces the keyword resolver used by RequestAutoTransition.
func WithResolver(r Resolver) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.resolver = r
		}
	}
}

// WithRecorder archives every committed session change to rec.
func WithRecorder(rec Recorder) EngineOption {
	return func(e *Engine) { e.recorder = rec }
}

// WithClock overrides the time source used for history timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an Engine for an already validated configuration.
// It re-checks the stage references it depends on and fails with *UnknownStageError if any is dangling.
func NewEngine(cfg *models.Config, opts ...EngineOption) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if _, ok := cfg.Flow.Stages[cfg.Flow.StartStage]; !ok {
		return nil, fmt.Errorf("start stage: %w", &UnknownStageError{StageID: cfg.Flow.StartStage})
	}
	for _, id := range cfg.Flow.StageIDs() {
		for _, t := range cfg.Flow.Stages[id].NextStages {
			if t.TargetStageID == models.EndStageID {
				continue
			}
			if _, ok := cfg.Flow.Stages[t.TargetStageID]; !ok {
				return nil, fmt.Errorf("stage %s: %w", id, &UnknownStageError{StageID: t.TargetStageID})
			}
		}
	}

	e := &Engine{
		cfg:      cfg,
		resolver: KeywordResolver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	slog.Debug("flow.NewEngine: engine created", "agent", cfg.AgentConfig.Name, "stages", len(cfg.Flow.Stages),
		"startStage", cfg.Flow.StartStage, "recorder", e.recorder != nil)
	return e, nil
}

// Config returns the configuration the engine was built from. Callers must not modify it.
func (e *Engine) Config() *models.Config {
	return e.cfg
}

// Stage returns the definition of stage id.
func (e *Engine) Stage(id string) (models.StageDefinition, bool) {
	stage, ok := e.cfg.Flow.Stages[id]
	return stage, ok
}

// StartStage returns the configured entry stage id.
func (e *Engine) StartStage() string {
	return e.cfg.Flow.StartStage
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithInitialContext seeds the session context before the first stage is entered.
func WithInitialContext(values map[string]any) SessionOption {
	return func(s *Session) {
		for k, v := range values {
			s.context[k] = v
		}
	}
}

// NewSession creates a session that speaks through out. The session is idle until Start or EnterStage.
func (e *Engine) NewSession(id string, out speech.Output, opts ...SessionOption) *Session {
	if out == nil {
		out = speech.Discard
	}
	now := e.now()
	s := &Session{
		id:        id,
		engine:    e,
		out:       out,
		context:   make(map[string]any),
		createdAt: now,
		updatedAt: now,
	}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("flow.Engine.NewSession: session created", "sessionID", id)
	return s
}
