package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/canvaspilot/internal/domain"
)

// ConversationStore persists and restores message logs.
type ConversationStore interface {
	Persister
	GetConversation(ctx context.Context, sessionID string) (*domain.Conversation, error)
	CleanupExpiredConversations(ctx context.Context, ttl time.Duration) (int64, error)
}

// Registry holds one Session per editor tab.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	base      SessionDeps
	store     ConversationStore
	snapshots func(sessionID string) Snapshotter
	hooks     []func(*Session)
	logger    *slog.Logger
}

// NewRegistry creates a registry whose sessions share base. snapshots
// returns the snapshot provider of a tab and may be nil.
func NewRegistry(base SessionDeps, store ConversationStore, snapshots func(string) Snapshotter) *Registry {
	logger := base.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if store != nil && base.Persister == nil {
		base.Persister = store
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		base:      base,
		store:     store,
		snapshots: snapshots,
		logger:    logger,
	}
}

// Get returns the session for id, restoring its persisted log on first use.
func (r *Registry) Get(ctx context.Context, id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s
	}

	var restored []domain.Message
	if r.store != nil {
		conv, err := r.store.GetConversation(ctx, id)
		if err != nil {
			r.logger.Warn("failed to restore conversation", "session_id", id, "error", err)
		} else if conv != nil {
			restored = conv.Messages
		}
	}

	deps := r.base
	if r.snapshots != nil {
		deps.Snapshotter = r.snapshots(id)
	}
	s := NewSession(id, deps, restored)
	r.sessions[id] = s
	for _, fn := range r.hooks {
		fn(s)
	}
	r.logger.Debug("session created", "session_id", id, "restored_messages", len(restored))
	return s
}

// OnSession registers fn for every session, existing and future. fn runs
// with the registry locked and must not call back into it.
func (r *Registry) OnSession(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
	for _, s := range r.sessions {
		fn(s)
	}
}

// Lookup returns an existing session without creating one.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts idle sessions inactive for longer than ttl and returns their ids.
// Busy sessions are never evicted. Evicted logs stay persisted.
func (r *Registry) Sweep(ttl time.Duration) []string {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, s := range r.sessions {
		if s.Busy() || s.LastActive().After(cutoff) {
			continue
		}
		delete(r.sessions, id)
		evicted = append(evicted, id)
	}
	return evicted
}
