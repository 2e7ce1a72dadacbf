// Package session owns the live replicas: each Session wraps one automerge
// document, the connections attached to it, and a last-activity timestamp. The
// Registry maps session ids to Sessions with construct-once and
// evict-when-idle semantics.
package session

import (
	"sync"
	"time"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/automerge-sessions/pkg/document"
)

// Receiver is an attached connection's delivery endpoint. Delivery is
// best-effort: a slow or dead receiver must not block the caller.
type Receiver interface {
	Deliver(payload []byte)
}

// Session serializes all mutation of its document behind a single mutex:
// concurrent submissions queue, and the published document always reflects a
// whole number of operations.
type Session struct {
	id string

	mu           sync.Mutex
	doc          *automerge.Doc
	clients      map[Receiver]struct{}
	lastActivity time.Time
}

func newSession(id string, doc *automerge.Doc) *Session {
	return &Session{
		id:           id,
		doc:          doc,
		clients:      make(map[Receiver]struct{}),
		lastActivity: time.Now(),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Attach adds a connection to the session and refreshes activity.
func (s *Session) Attach(r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[r] = struct{}{}
	s.lastActivity = time.Now()
}

// Detach removes a connection and reports whether the session is now empty,
// in which case the caller should save a snapshot.
func (s *Session) Detach(r Receiver) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, r)
	return len(s.clients) == 0
}

func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Touch records inbound activity for the idle eviction sweep.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Apply runs a mutation through the session's serialized boundary and returns
// the new serialized document. On error the session document is unchanged.
func (s *Session) Apply(m document.Mutation) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := document.Apply(s.doc, m)
	if err != nil {
		return nil, err
	}
	s.doc = next
	s.lastActivity = time.Now()
	return next.Save(), nil
}

// MergeRemote merges a client-held serialized document into the session's
// document and returns the merged serialized state. Corrupt input leaves the
// session document untouched.
func (s *Session) MergeRemote(raw []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged, err := document.MergeBytes(s.doc, raw)
	if err != nil {
		return nil, err
	}
	s.doc = merged
	s.lastActivity = time.Now()
	return merged.Save(), nil
}

// SnapshotBytes returns the current serialized document.
func (s *Session) SnapshotBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Save()
}

// Broadcast delivers the payload to every attached connection except origin.
func (s *Session) Broadcast(payload []byte, origin Receiver) {
	s.mu.Lock()
	receivers := make([]Receiver, 0, len(s.clients))
	for r := range s.clients {
		if r != origin {
			receivers = append(receivers, r)
		}
	}
	s.mu.Unlock()
	for _, r := range receivers {
		r.Deliver(payload)
	}
}
