package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/automerge-sessions/pkg/document"
	"github.com/astromechza/automerge-sessions/pkg/snapshot"
)

// Registry is the process-wide session map. A single mutex covers entry
// creation and removal so GetOrCreate and EvictIdle cannot race a joining
// client into a duplicate or a just-deleted session.
type Registry struct {
	store snapshot.Store

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(store snapshot.Store) *Registry {
	return &Registry{
		store:    store,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, constructing it once if needed. New
// sessions start from the stored snapshot when one exists, otherwise from the
// baseline document; a corrupt snapshot is logged and ignored. An existing
// session has its activity refreshed while r.mu is still held, so an eviction
// sweep cannot delete it between here and the caller's Attach.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Touch()
		return s, nil
	}
	doc, err := document.New()
	if err != nil {
		return nil, fmt.Errorf("failed to init document: %w", err)
	}
	if r.store != nil {
		if raw, err := r.store.Load(id); err == nil {
			if loaded, err := document.Load(raw); err != nil {
				slog.Error("failed to load snapshot, starting fresh", "session", id, "err", err)
			} else {
				doc = loaded
				slog.Info("restored session from snapshot", "session", id)
			}
		} else if !errors.Is(err, snapshot.ErrNotFound) {
			slog.Error("failed to read snapshot, starting fresh", "session", id, "err", err)
		}
	}
	s := newSession(id, doc)
	r.sessions[id] = s
	slog.Info("created session", "session", id)
	return s, nil
}

// Get returns the session for id if it is live.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Range calls fn for each live session.
func (r *Registry) Range(fn func(s *Session)) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		fn(s)
	}
}

// EvictIdle removes every session that has no attached clients and no activity
// since threshold before now, snapshotting each one first. It returns the ids
// of the evicted sessions.
func (r *Registry) EvictIdle(now time.Time, threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for id, s := range r.sessions {
		if s.ClientCount() > 0 || now.Sub(s.LastActivity()) <= threshold {
			continue
		}
		if r.store != nil {
			if err := r.store.Save(id, s.SnapshotBytes()); err != nil {
				slog.Error("failed to snapshot idle session, keeping it", "session", id, "err", err)
				continue
			}
		}
		delete(r.sessions, id)
		evicted = append(evicted, id)
		slog.Info("evicted idle session", "session", id)
	}
	return evicted
}
