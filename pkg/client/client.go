// Package client maintains one connection to the session server and a local
// replica of the session document. Server pushes are merged into the replica
// and fanned out to subscribers; the connection is re-established with
// exponential backoff when the transport drops.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-sessions/pkg/document"
	"github.com/astromechza/automerge-sessions/pkg/protocol"
)

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

const (
	defaultBackoffBase          = time.Second
	defaultBackoffCap           = 30 * time.Second
	defaultMaxReconnectAttempts = 5
)

// Callback observes every change of the local replica. Callbacks run
// synchronously in subscription order.
type Callback func(doc *automerge.Doc)

type Options struct {
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxReconnectAttempts int
	Dialer               *websocket.Dialer
	// OnSnapshotLoaded receives the standalone document answering a
	// load_snapshot request. It is never merged into the live replica.
	OnSnapshotLoaded func(sessionID string, doc *automerge.Doc)
}

type subscriber struct {
	id int
	fn Callback
}

type joinResult struct {
	sessionID string
	err       error
}

type Client struct {
	url  string
	opts Options

	// wmu serializes socket writes, which gorilla requires.
	wmu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	sessionID string
	mode      string
	doc       *automerge.Doc
	state     ConnectionState
	subs      []subscriber
	nextSub   int
	attempts  int
	timer     *time.Timer
	closed    bool
	joinWait  chan joinResult
}

func New(url string, opts Options) *Client {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{url: url, opts: opts, state: StateDisconnected}
}

// Connect dials the server and joins the named session, or a server-generated
// one when sessionID is empty. It returns once session_joined arrives and the
// initial document is held.
func (c *Client) Connect(ctx context.Context, sessionID, mode string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("client is closed")
	}
	if c.ws != nil && c.state == StateConnected {
		id := c.sessionID
		c.mu.Unlock()
		return id, nil
	}
	c.state = StateConnecting
	c.mode = mode
	if sessionID != "" {
		c.sessionID = sessionID
	}
	c.mu.Unlock()

	ws, _, err := c.opts.Dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		c.scheduleReconnect()
		return "", fmt.Errorf("failed to dial: %w", err)
	}

	wait := make(chan joinResult, 1)
	c.mu.Lock()
	c.ws = ws
	c.joinWait = wait
	c.mu.Unlock()
	go c.readLoop(ws)

	if err := c.write(protocol.JoinSession{Type: protocol.OpJoinSession, SessionID: sessionID, Mode: mode}); err != nil {
		_ = ws.Close()
		return "", err
	}

	select {
	case res := <-wait:
		if res.err != nil {
			return "", res.err
		}
		return res.sessionID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.transportClosed(ws)
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Error("failed to decode server message", "err", err)
		return
	}
	switch env.Type {
	case protocol.MsgSessionJoined:
		var m protocol.SessionJoined
		if err := json.Unmarshal(raw, &m); err != nil {
			slog.Error("failed to decode session_joined", "err", err)
			return
		}
		doc, err := document.Load(m.InitialState)
		c.mu.Lock()
		if err == nil {
			c.sessionID = m.SessionID
			c.doc = doc
			c.state = StateConnected
			c.attempts = 0
		}
		wait := c.joinWait
		c.joinWait = nil
		c.mu.Unlock()
		if wait != nil {
			wait <- joinResult{sessionID: m.SessionID, err: err}
		}
		if err == nil {
			c.notify()
		}
	case protocol.MsgUpdate:
		var m protocol.Update
		if err := json.Unmarshal(raw, &m); err != nil {
			slog.Error("failed to decode update", "err", err)
			return
		}
		c.absorb(m.Data)
	case protocol.MsgSyncResponse:
		var m protocol.SyncResponse
		if err := json.Unmarshal(raw, &m); err != nil {
			slog.Error("failed to decode sync_response", "err", err)
			return
		}
		c.absorb(m.Data)
	case protocol.MsgSnapshotLoaded:
		if c.opts.OnSnapshotLoaded == nil {
			return
		}
		var m protocol.SnapshotLoaded
		if err := json.Unmarshal(raw, &m); err != nil {
			slog.Error("failed to decode snapshot_loaded", "err", err)
			return
		}
		doc, err := document.Load(m.Data)
		if err != nil {
			slog.Error("failed to load snapshot document", "err", err)
			return
		}
		c.opts.OnSnapshotLoaded(m.SessionID, doc)
	case protocol.MsgError:
		var m protocol.ErrorReply
		_ = json.Unmarshal(raw, &m)
		slog.Error("server reported error", "message", m.Message)
	}
}

// absorb merges a server-pushed serialized document into the local replica so
// that local changes awaiting sync are not lost. Corrupt payloads are dropped.
func (c *Client) absorb(data []byte) {
	incoming, err := document.Load(data)
	if err != nil {
		slog.Error("failed to load pushed document", "err", err)
		return
	}
	c.mu.Lock()
	if c.doc == nil {
		c.doc = incoming
	} else if merged, err := document.Merge(c.doc, incoming); err != nil {
		slog.Error("failed to merge pushed document", "err", err)
		c.mu.Unlock()
		return
	} else {
		c.doc = merged
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Client) transportClosed(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws != ws {
		// a stale read loop from a connection we already replaced
		c.mu.Unlock()
		return
	}
	c.ws = nil
	c.state = StateDisconnected
	closed := c.closed
	wait := c.joinWait
	c.joinWait = nil
	c.mu.Unlock()
	if wait != nil {
		wait <- joinResult{err: fmt.Errorf("connection closed during join")}
	}
	if !closed {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.attempts >= c.opts.MaxReconnectAttempts {
		// give up silently, leaving the client disconnected
		c.state = StateDisconnected
		return
	}
	attempt := c.attempts
	c.attempts++
	delay := Backoff(c.opts.BackoffBase, c.opts.BackoffCap, attempt)
	id, mode := c.sessionID, c.mode
	slog.Info("scheduling reconnect", "session", id, "attempt", attempt+1, "delay", delay)
	c.timer = time.AfterFunc(delay, func() {
		if _, err := c.Connect(context.Background(), id, mode); err != nil {
			slog.Error("failed to reconnect", "session", id, "err", err)
		}
	})
}

// Backoff returns the reconnect delay before attempt+1: min(base*2^attempt, cap).
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap || d <= 0 {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Subscribe registers a callback for every document change. When a document is
// already held the callback fires immediately. The returned function
// unsubscribes.
func (c *Client) Subscribe(fn Callback) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	doc := c.doc
	c.mu.Unlock()
	if doc != nil {
		fn(doc)
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) notify() {
	c.mu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	doc := c.doc
	c.mu.Unlock()
	if doc == nil {
		return
	}
	for _, s := range subs {
		s.fn(doc)
	}
}

// LocalChange mutates the local replica in place and notifies subscribers. The
// change reaches the server on the next Sync.
func (c *Client) LocalChange(m document.Mutation) error {
	c.mu.Lock()
	if c.doc == nil {
		c.mu.Unlock()
		return fmt.Errorf("no document held yet")
	}
	err := m(c.doc)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.notify()
	return nil
}

// Sync sends the local serialized document to the server for reconciliation;
// the merged state comes back as a sync_response.
func (c *Client) Sync() error {
	c.mu.Lock()
	var state []byte
	if c.doc != nil {
		state = c.doc.Save()
	}
	c.mu.Unlock()
	return c.write(protocol.Sync{Type: protocol.OpSync, ClientState: state})
}

// SaveSnapshot asks the server to persist the session's current document.
func (c *Client) SaveSnapshot() error {
	return c.write(protocol.SaveSnapshot{Type: protocol.OpSaveSnapshot})
}

// LoadSnapshot requests a standalone copy of another session's snapshot; the
// reply is delivered to Options.OnSnapshotLoaded.
func (c *Client) LoadSnapshot(targetSessionID string) error {
	return c.write(protocol.LoadSnapshot{Type: protocol.OpLoadSnapshot, TargetSessionID: targetSessionID})
}

// Send submits a domain operation. The payload must marshal to a JSON object;
// its fields are merged with the operation type into one envelope.
func (c *Client) Send(op string, payload interface{}) error {
	body := map[string]interface{}{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return fmt.Errorf("payload must be a json object: %w", err)
		}
	}
	body["type"] = op
	return c.write(body)
}

// SwitchSession tears down the connection and local replica entirely before
// joining the new session. No state crosses the boundary.
func (c *Client) SwitchSession(ctx context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	ws := c.ws
	c.ws = nil
	c.doc = nil
	c.sessionID = ""
	c.state = StateDisconnected
	c.attempts = 0
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	return c.Connect(ctx, sessionID, "")
}

// Close shuts the client down without scheduling reconnects.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
}

// Document returns the local replica, nil until the first state arrives.
func (c *Client) Document() *automerge.Doc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) write(v interface{}) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("not connected")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := ws.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
