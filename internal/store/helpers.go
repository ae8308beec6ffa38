package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/StagePipe/internal/models"
)

func copyContext(ctx map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	out := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

// encodeContext turns a context map into its JSON column value. Empty contexts are stored as "{}".
func encodeContext(ctx map[string]interface{}) (string, error) {
	if len(ctx) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to encode session context: %w", err)
	}
	return string(data), nil
}

func decodeContext(raw []byte) (map[string]interface{}, error) {
	ctx := map[string]interface{}{}
	if len(raw) == 0 {
		return ctx, nil
	}
	if err := json.Unmarshal(raw, &ctx); err != nil {
		return nil, fmt.Errorf("failed to decode session context: %w", err)
	}
	return ctx, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSession scans the columns id, agent_name, current_stage_id, ended, context, created_at, updated_at.
func scanSession(row rowScanner) (models.SessionRecord, error) {
	var rec models.SessionRecord
	var contextJSON []byte
	if err := row.Scan(&rec.ID, &rec.AgentName, &rec.CurrentStageID, &rec.Ended, &contextJSON, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	ctx, err := decodeContext(contextJSON)
	if err != nil {
		return rec, err
	}
	rec.Context = ctx
	return rec, nil
}

// scanHistory scans the columns role, content, stage_id, timestamp.
func scanHistory(rows *sql.Rows) (models.HistoryEntry, error) {
	var entry models.HistoryEntry
	var role string
	if err := rows.Scan(&role, &entry.Content, &entry.StageID, &entry.Timestamp); err != nil {
		return entry, fmt.Errorf("scan history entry failed: %w", err)
	}
	entry.Role = models.Role(role)
	return entry, nil
}
