package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mixqueue/internal/core"
	"mixqueue/internal/extract"
	"mixqueue/internal/track"
)

// Registry tracks live sessions by id. All methods are safe for concurrent
// use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg     *core.Config
	manager *extract.Manager
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. Sessions created through it share
// the config and extraction manager.
func NewRegistry(cfg *core.Config, manager *extract.Manager, logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		manager:  manager,
		logger:   logger,
	}
}

// Create makes a new session. An empty id gets a generated one. Creating a
// session with an id already in use returns the existing session.
func (r *Registry) Create(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok {
		return existing
	}
	s := newSession(id, r.cfg, r.manager, r.logger)
	r.sessions[id] = s
	r.logger.Info("Session created", zap.String("session", id))
	return s
}

// Get returns the session with the given id, if it exists.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the session with the given id, creating it if needed.
func (r *Registry) GetOrCreate(id string) *Session {
	if s, ok := r.Get(id); ok {
		return s
	}
	return r.Create(id)
}

// Destroy tears down and removes a session. Unknown ids are ignored.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.close()
		r.logger.Info("Session destroyed", zap.String("session", id))
	}
}

// EnqueueTrack adds the media at rawURL to the identified session's queue,
// creating the session on first use. An empty requester skips flood
// limiting.
func (r *Registry) EnqueueTrack(ctx context.Context, sessionID, requester, rawURL string, priority bool) error {
	return r.GetOrCreate(sessionID).EnqueueFor(ctx, requester, rawURL, nil, priority)
}

// QueueTracks lists up to limit queued tracks for the session; limit < 0
// means all. Reports false when the session does not exist.
func (r *Registry) QueueTracks(sessionID string, limit int) ([]*track.Descriptor, bool) {
	s, ok := r.Get(sessionID)
	if !ok {
		return nil, false
	}
	return s.Queue().List(limit), true
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of the live sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown tears down every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	r.logger.Info("All sessions shut down", zap.Int("count", len(sessions)))
}
