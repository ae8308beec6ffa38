package flow

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry tracks the live conversations of a process. Teardown only forgets a conversation;
// its archive copy stays in the store.
type Registry struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conversations: make(map[string]*Conversation)}
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Add registers a conversation under its session id, replacing any previous one.
func (r *Registry) Add(c *Conversation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations[c.ID()] = c
	slog.Debug("flow.Registry.Add: conversation registered", "sessionID", c.ID(), "live", len(r.conversations))
}

// Get returns the live conversation with the given id.
func (r *Registry) Get(id string) (*Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	return c, ok
}

// Remove tears down a conversation and returns it.
func (r *Registry) Remove(id string) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if ok {
		delete(r.conversations, id)
		slog.Debug("flow.Registry.Remove: conversation removed", "sessionID", id, "live", len(r.conversations))
	}
	return c, ok
}

// IDs returns the ids of all live conversations in ascending order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conversations))
	for id := range r.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conversations)
}
