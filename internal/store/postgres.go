// This file implements a PostgreSQL-backed transcript archive.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/StagePipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore archives sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore.NewPostgresStore: DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")
	return &PostgresStore{db: db}, nil
}

// SaveSession inserts or replaces the summary of a session.
func (s *PostgresStore) SaveSession(ctx context.Context, rec models.SessionRecord) error {
	contextJSON, err := encodeContext(rec.Context)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_name, current_stage_id, ended, context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			agent_name = EXCLUDED.agent_name,
			current_stage_id = EXCLUDED.current_stage_id,
			ended = EXCLUDED.ended,
			context = EXCLUDED.context,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.AgentName, rec.CurrentStageID, rec.Ended, contextJSON, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveSession: failed", "error", err, "sessionID", rec.ID)
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	slog.Debug("PostgresStore.SaveSession: succeeded", "sessionID", rec.ID, "stage", rec.CurrentStageID, "ended", rec.Ended)
	return nil
}

// GetSession returns the summary of a session, or nil if it is unknown.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_name, current_stage_id, ended, context, created_at, updated_at
		FROM sessions WHERE id = $1`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore.GetSession: failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &rec, nil
}

// ListSessions returns all session summaries, most recently updated first.
func (s *PostgresStore) ListSessions(ctx context.Context) ([]models.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_name, current_stage_id, ended, context, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		slog.Error("PostgresStore.ListSessions: query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []models.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
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
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history_entries WHERE session_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete history for session %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of session %s: %w", id, err)
	}
	slog.Debug("PostgresStore.DeleteSession: succeeded", "sessionID", id)
	return nil
}

// AppendHistory appends one history entry to a session's transcript.
func (s *PostgresStore) AppendHistory(ctx context.Context, sessionID string, entry models.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history_entries (session_id, role, content, stage_id, timestamp)
		VALUES ($1, $2, $3, $4, $5)`,
		sessionID, string(entry.Role), entry.Content, entry.StageID, entry.Timestamp)
	if err != nil {
		slog.Error("PostgresStore.AppendHistory: failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("failed to append history for session %s: %w", sessionID, err)
	}
	return nil
}

// GetHistory returns a session's transcript in append order.
func (s *PostgresStore) GetHistory(ctx context.Context, sessionID string) ([]models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, stage_id, timestamp
		FROM history_entries WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		slog.Error("PostgresStore.GetHistory: query failed", "error", err, "sessionID", sessionID)
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

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("PostgresStore.Close: closing database connection")
	return s.db.Close()
}
