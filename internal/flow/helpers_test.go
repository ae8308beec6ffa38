package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/speech"
	"github.com/BTreeMap/StagePipe/internal/testutil"
)

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	return newTestEngineFromConfig(t, testutil.Config(t), opts...)
}

func newTestEngineFromConfig(t *testing.T, cfg *models.Config, opts ...EngineOption) *Engine {
	t.Helper()
	engine, err := NewEngine(cfg, append([]EngineOption{WithClock(stepClock())}, opts...)...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

// startedSession returns a session that has entered the start stage, with the greeting already consumed.
func startedSession(t *testing.T, engine *Engine) (*Session, *speech.MockOutput) {
	t.Helper()
	out := newMockOutput()
	s := engine.NewSession("session-1", out)
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	out.Reset()
	return s, out
}

// sessionAt returns a started session moved to stageID along declared transitions.
func sessionAt(t *testing.T, engine *Engine, path ...string) (*Session, *speech.MockOutput) {
	t.Helper()
	s, out := startedSession(t, engine)
	for _, id := range path {
		if _, err := s.RequestTransition(context.Background(), id); err != nil {
			t.Fatalf("RequestTransition(%s) failed: %v", id, err)
		}
	}
	out.Reset()
	return s, out
}

// mockRecorder captures recorder calls and can be told to fail.
type mockRecorder struct {
	mu       sync.Mutex
	sessions []models.SessionRecord
	history  []models.HistoryEntry
	fail     bool
}

func (r *mockRecorder) RecordSession(ctx context.Context, rec models.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("archive unavailable")
	}
	r.sessions = append(r.sessions, rec)
	return nil
}

func (r *mockRecorder) RecordHistory(ctx context.Context, sessionID string, entry models.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("archive unavailable")
	}
	r.history = append(r.history, entry)
	return nil
}

func newMockOutput() *speech.MockOutput {
	return speech.NewMockOutput()
}
