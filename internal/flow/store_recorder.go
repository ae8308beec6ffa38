package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/StagePipe/internal/models"
	"github.com/BTreeMap/StagePipe/internal/store"
)

// StoreRecorder implements Recorder using a Store backend.
type StoreRecorder struct {
	store store.Store
}

// NewStoreRecorder creates a Recorder that archives into st.
func NewStoreRecorder(st store.Store) *StoreRecorder {
	slog.Debug("flow.NewStoreRecorder: creating store recorder")
	return &StoreRecorder{store: st}
}

// RecordSession saves the session summary.
func (r *StoreRecorder) RecordSession(ctx context.Context, rec models.SessionRecord) error {
	slog.Debug("StoreRecorder.RecordSession", "sessionID", rec.ID, "stage", rec.CurrentStageID, "ended", rec.Ended)
	if err := r.store.SaveSession(context.WithoutCancel(ctx), rec); err != nil {
		slog.Error("StoreRecorder.RecordSession: save failed", "sessionID", rec.ID, "error", err)
		return err
	}
	return nil
}

// RecordHistory appends the entry to the session transcript.
func (r *StoreRecorder) RecordHistory(ctx context.Context, sessionID string, entry models.HistoryEntry) error {
	slog.Debug("StoreRecorder.RecordHistory", "sessionID", sessionID, "role", entry.Role, "stage", entry.StageID)
	if err := r.store.AppendHistory(context.WithoutCancel(ctx), sessionID, entry); err != nil {
		slog.Error("StoreRecorder.RecordHistory: append failed", "sessionID", sessionID, "error", err)
		return err
	}
	return nil
}

// Store returns the underlying archive.
func (r *StoreRecorder) Store() store.Store {
	return r.store
}
