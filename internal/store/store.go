// Package store provides the transcript archive backends for StagePipe.
//
// The archive is write-mostly: the flow engine records session summaries and history entries as they
// are committed, and the API reads them back for ended sessions. Live sessions are never restored from it.
package store

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/StagePipe/internal/models"
)

// Store is the transcript archive used by the flow recorder and the API.
type Store interface {
	// SaveSession inserts or replaces the summary of a session.
	SaveSession(ctx context.Context, rec models.SessionRecord) error
	// GetSession returns the summary of a session, or nil if it is unknown.
	GetSession(ctx context.Context, id string) (*models.SessionRecord, error)
	// ListSessions returns all session summaries, most recently updated first.
	ListSessions(ctx context.Context) ([]models.SessionRecord, error)
	// DeleteSession removes a session and its history.
	DeleteSession(ctx context.Context, id string) error
	// AppendHistory appends one history entry to a session's transcript.
	AppendHistory(ctx context.Context, sessionID string, entry models.HistoryEntry) error
	// GetHistory returns a session's transcript in append order.
	GetHistory(ctx context.Context, sessionID string) ([]models.HistoryEntry, error)
	// Close releases any resources held by the store.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open creates the backend that matches dsn. An empty dsn gives an in-memory store.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		slog.Debug("store.Open: no DSN, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// InMemoryStore keeps the archive in process memory. It is used for tests and when no database is configured.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.SessionRecord
	history  map[string][]models.HistoryEntry
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.SessionRecord),
		history:  make(map[string][]models.HistoryEntry),
	}
}

func (s *InMemoryStore) SaveSession(ctx context.Context, rec models.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Context = copyContext(rec.Context)
	s.sessions[rec.ID] = rec
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	rec.Context = copyContext(rec.Context)
	return &rec, nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context) ([]models.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		rec.Context = copyContext(rec.Context)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.history, id)
	return nil
}

func (s *InMemoryStore) AppendHistory(ctx context.Context, sessionID string, entry models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[sessionID] = append(s.history[sessionID], entry)
	return nil
}

func (s *InMemoryStore) GetHistory(ctx context.Context, sessionID string) ([]models.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.history[sessionID]
	out := make([]models.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
