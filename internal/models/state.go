package models

import "time"

// Role identifies who produced a history entry.
type Role string

const (
	// RoleUser marks text spoken by the participant.
	RoleUser Role = "user"
	// RoleAssistant marks the rendered stage prompt recorded on stage entry.
	RoleAssistant Role = "assistant"
)

// HistoryEntry is one append-only record of the session audit trail.
type HistoryEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	StageID   string    `json:"stage_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionRecord is the archived summary of a session, written by the recorder.
// Records are never used to resume a session.
type SessionRecord struct {
	ID             string                 `json:"id"`
	AgentName      string                 `json:"agent_name"`
	CurrentStageID string                 `json:"current_stage_id"`
	Ended          bool                   `json:"ended"`
	Context        map[string]interface{} `json:"context,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}
