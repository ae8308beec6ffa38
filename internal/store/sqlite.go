// This file implements an SQLite-backed transcript archive.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/StagePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore archives sessions in an SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore.NewSQLiteStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to open connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; one connection keeps appends strictly ordered.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

// SaveSession inserts or replaces the summary of a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec models.SessionRecord) error {
	contextJSON, err := encodeContext(rec.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, agent_name, current_stage_id, ended, context, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentName, rec.CurrentStageID, rec.Ended, contextJSON, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveSession: failed", "error", err, "sessionID", rec.ID)
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	slog.Debug("SQLiteStore.SaveSession: succeeded", "sessionID", rec.ID, "stage", rec.CurrentStageID, "ended", rec.Ended)
	return nil
}

// GetSession returns the summary of a session, or nil if it is unknown.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_name, current_stage_id, ended, context, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore.GetSession: not found", "sessionID", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSession: failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &rec, nil
}

// ListSessions returns all session summaries, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]models.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_name, current_stage_id, ended, context, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		slog.Error("SQLiteStore.ListSessions: query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []models.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			slog.Error("SQLiteStore.ListSessions: scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return records, nil
}

// DeleteSession removes a session and its history.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history_entries WHERE session_id = ?`, id); err != nil {
		slog.Error("SQLiteStore.DeleteSession: failed to delete history", "error", err, "sessionID", id)
		return fmt.Errorf("failed to delete history for session %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		slog.Error("SQLiteStore.DeleteSession: failed to delete session", "error", err, "sessionID", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of session %s: %w", id, err)
	}
	slog.Debug("SQLiteStore.DeleteSession: succeeded", "sessionID", id)
	return nil
}

// AppendHistory appends one history entry to a session's transcript.
func (s *SQLiteStore) AppendHistory(ctx context.Context, sessionID string, entry models.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history_entries (session_id, role, content, stage_id, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(entry.Role), entry.Content, entry.StageID, entry.Timestamp)
	if err != nil {
		slog.Error("SQLiteStore.AppendHistory: failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to append history for session %s: %w", sessionID, err)
	}
	return nil
}

// GetHistory returns a session's transcript in append order.
func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string) ([]models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, stage_id, timestamp
		FROM history_entries WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore.GetHistory: query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query history for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	entries := []models.HistoryEntry{}
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}
	return entries, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore.Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("SQLiteStore.Close: failed", "error", err)
	}
	return err
}
