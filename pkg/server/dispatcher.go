// Package server is the connection protocol dispatcher: it upgrades
// websockets, parses operation envelopes, routes them through the owning
// session's serialized handler, and fans resulting document updates out to the
// session's other connections.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/automerge-sessions/pkg/document"
	"github.com/astromechza/automerge-sessions/pkg/protocol"
	"github.com/astromechza/automerge-sessions/pkg/session"
	"github.com/astromechza/automerge-sessions/pkg/snapshot"
)

// Collaborator handles a domain operation. The dispatcher hands it the session
// id and the raw envelope and expects back a Result or an error; it never
// interprets the payload itself.
type Collaborator func(ctx context.Context, sessionID string, payload json.RawMessage) (*Result, error)

// Result is what a collaborator gives back: an optional document mutation to
// run through the session, and an optional extra reply for the requester.
type Result struct {
	Mutate document.Mutation
	Reply  interface{}
}

const defaultCollaboratorTimeout = 30 * time.Second

type Dispatcher struct {
	registry    *session.Registry
	store       snapshot.Store
	upgrader    websocket.Upgrader
	timeout     time.Duration
	startupHook Collaborator

	mu            sync.RWMutex
	collaborators map[string]Collaborator
}

type Option func(d *Dispatcher)

// WithStartupHook installs the hook run when join_session carries a mode. Hook
// failures are reported to the joining client but do not undo the join.
func WithStartupHook(hook Collaborator) Option {
	return func(d *Dispatcher) { d.startupHook = hook }
}

// WithCollaboratorTimeout bounds how long any collaborator call may run before
// it is surfaced as a handler failure.
func WithCollaboratorTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

func NewDispatcher(registry *session.Registry, store snapshot.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:      registry,
		store:         store,
		upgrader:      websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		timeout:       defaultCollaboratorTimeout,
		collaborators: make(map[string]Collaborator),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a domain operation to the dispatch table. Later registrations
// under the same name win.
func (d *Dispatcher) Register(op string, fn Collaborator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.collaborators[op] = fn
}

func (d *Dispatcher) lookup(op string) (Collaborator, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.collaborators[op]
	return fn, ok
}

// ServeWS upgrades the request and runs the connection's message loop until
// the transport closes.
func (d *Dispatcher) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	c := newConn(ws)
	go c.writeLoop()
	slog.Info("client connected", "remote", ws.RemoteAddr())
	d.readLoop(r.Context(), c)
}

func (d *Dispatcher) readLoop(ctx context.Context, c *conn) {
	defer func() {
		close(c.done)
		_ = c.ws.Close()
		d.dropConnection(c)
		slog.Info("client disconnected", "remote", c.ws.RemoteAddr())
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		d.dispatch(ctx, c, raw)
	}
}

// dropConnection detaches the closed connection and snapshots the session if
// it was the last one attached.
func (d *Dispatcher) dropConnection(c *conn) {
	if c.sessionID == "" {
		return
	}
	sess, ok := d.registry.Get(c.sessionID)
	if !ok {
		return
	}
	if empty := sess.Detach(c); empty && d.store != nil {
		if err := d.store.Save(sess.ID(), sess.SnapshotBytes()); err != nil {
			slog.Error("failed to snapshot emptied session", "session", sess.ID(), "err", err)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, c *conn, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		c.reply(protocol.Error("invalid message format"))
		return
	}
	switch env.Type {
	case protocol.OpJoinSession:
		d.handleJoin(ctx, c, raw)
	case protocol.OpSync:
		d.handleSync(c, raw)
	case protocol.OpSaveSnapshot:
		d.handleSaveSnapshot(c)
	case protocol.OpLoadSnapshot:
		d.handleLoadSnapshot(c, raw)
	default:
		d.handleCollaborator(ctx, c, env.Type, raw)
	}
}

func (d *Dispatcher) handleJoin(ctx context.Context, c *conn, raw []byte) {
	var req protocol.JoinSession
	if err := json.Unmarshal(raw, &req); err != nil {
		c.reply(protocol.Error("invalid message format"))
		return
	}
	id := req.SessionID
	if id == "" {
		id = ulid.Make().String()
	}
	sess, err := d.registry.GetOrCreate(id)
	if err != nil {
		slog.Error("failed to create session", "session", id, "err", err)
		c.reply(protocol.Error("failed to create session"))
		return
	}
	if c.sessionID != "" && c.sessionID != id {
		d.dropConnection(c)
	}
	sess.Attach(c)
	c.sessionID = id
	c.reply(protocol.SessionJoined{
		Type:         protocol.MsgSessionJoined,
		SessionID:    id,
		InitialState: sess.SnapshotBytes(),
	})
	slog.Info("client joined session", "session", id)

	if req.Mode != "" && d.startupHook != nil {
		res, err := d.callBounded(ctx, d.startupHook, id, raw)
		if err != nil {
			slog.Error("failed to run startup hook", "session", id, "mode", req.Mode, "err", err)
			c.reply(protocol.Error(fmt.Sprintf("failed to start %s mode", req.Mode)))
			return
		}
		d.applyResult(c, sess, res)
	}
}

// attached resolves the connection's session, replying with the standard error
// when there is none.
func (d *Dispatcher) attached(c *conn) (*session.Session, bool) {
	if c.sessionID != "" {
		if sess, ok := d.registry.Get(c.sessionID); ok {
			return sess, true
		}
	}
	c.reply(protocol.Error("No active session"))
	return nil, false
}

func (d *Dispatcher) handleSync(c *conn, raw []byte) {
	sess, ok := d.attached(c)
	if !ok {
		return
	}
	var req protocol.Sync
	if err := json.Unmarshal(raw, &req); err != nil {
		c.reply(protocol.Error("invalid message format"))
		return
	}
	if len(req.ClientState) > 0 {
		if _, err := sess.MergeRemote(req.ClientState); err != nil {
			slog.Error("failed to merge client state", "session", sess.ID(), "err", err)
			c.reply(protocol.Error("failed to merge client state"))
			return
		}
	} else {
		sess.Touch()
	}
	c.reply(protocol.SyncResponse{Type: protocol.MsgSyncResponse, Data: sess.SnapshotBytes()})
}

func (d *Dispatcher) handleSaveSnapshot(c *conn) {
	sess, ok := d.attached(c)
	if !ok {
		return
	}
	sess.Touch()
	if d.store == nil {
		c.reply(protocol.Error("snapshots are not configured"))
		return
	}
	if err := d.store.Save(sess.ID(), sess.SnapshotBytes()); err != nil {
		slog.Error("failed to save snapshot", "session", sess.ID(), "err", err)
		c.reply(protocol.Error("failed to save snapshot"))
		return
	}
	c.reply(protocol.SnapshotSaved{Type: protocol.MsgSnapshotSaved, SessionID: sess.ID()})
}

// handleLoadSnapshot returns a standalone deserialized document for the target
// id. It never attaches the requester to that session and never creates one.
func (d *Dispatcher) handleLoadSnapshot(c *conn, raw []byte) {
	if _, ok := d.attached(c); !ok {
		return
	}
	var req protocol.LoadSnapshot
	if err := json.Unmarshal(raw, &req); err != nil {
		c.reply(protocol.Error("invalid message format"))
		return
	}
	if req.TargetSessionID == "" {
		c.reply(protocol.Error("no target session id provided"))
		return
	}
	if d.store == nil {
		c.reply(protocol.Error("snapshots are not configured"))
		return
	}
	rawDoc, err := d.store.Load(req.TargetSessionID)
	if err != nil {
		c.reply(protocol.Error("snapshot not found"))
		return
	}
	doc, err := document.Load(rawDoc)
	if err != nil {
		slog.Error("failed to load snapshot", "session", req.TargetSessionID, "err", err)
		c.reply(protocol.Error("failed to load snapshot"))
		return
	}
	c.reply(protocol.SnapshotLoaded{
		Type:      protocol.MsgSnapshotLoaded,
		SessionID: req.TargetSessionID,
		Data:      document.Save(doc),
	})
}

func (d *Dispatcher) handleCollaborator(ctx context.Context, c *conn, op string, raw []byte) {
	fn, ok := d.lookup(op)
	if !ok {
		c.reply(protocol.Error(fmt.Sprintf("unknown operation %q", op)))
		return
	}
	sess, ok := d.attached(c)
	if !ok {
		return
	}
	sess.Touch()
	res, err := d.callBounded(ctx, fn, sess.ID(), raw)
	if err != nil {
		slog.Error("operation failed", "op", op, "session", sess.ID(), "err", err)
		c.reply(protocol.Error(fmt.Sprintf("failed to handle %s: %s", op, err)))
		return
	}
	d.applyResult(c, sess, res)
}

// callBounded runs a collaborator under the configured timeout. The call runs
// in its own goroutine so a collaborator that ignores its context cannot wedge
// the connection's read loop: when the deadline fires the call is abandoned
// and the context error is returned instead.
func (d *Dispatcher) callBounded(ctx context.Context, fn Collaborator, sessionID string, raw []byte) (*Result, error) {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	type outcome struct {
		res *Result
		err error
	}
	out := make(chan outcome, 1)
	go func() {
		res, err := fn(cctx, sessionID, raw)
		out <- outcome{res: res, err: err}
	}()
	select {
	case o := <-out:
		return o.res, o.err
	case <-cctx.Done():
		return nil, cctx.Err()
	}
}

// applyResult runs a collaborator's mutation through the session, replies to
// the requester with the post-mutation state, broadcasts it to the session's
// other connections, and finally sends any extra reply.
func (d *Dispatcher) applyResult(c *conn, sess *session.Session, res *Result) {
	if res == nil {
		return
	}
	if res.Mutate != nil {
		saved, err := sess.Apply(res.Mutate)
		if err != nil {
			slog.Error("failed to apply mutation", "session", sess.ID(), "err", err)
			c.reply(protocol.Error(fmt.Sprintf("failed to apply change: %s", err)))
			return
		}
		update := protocol.Update{Type: protocol.MsgUpdate, Data: saved}
		c.reply(update)
		if msg, err := json.Marshal(update); err != nil {
			slog.Error("failed to encode update", "err", err)
		} else {
			sess.Broadcast(msg, c)
		}
	}
	if res.Reply != nil {
		c.reply(res.Reply)
	}
}
