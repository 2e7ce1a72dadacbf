package server_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sessions/pkg/document"
	"github.com/astromechza/automerge-sessions/pkg/protocol"
	"github.com/astromechza/automerge-sessions/pkg/server"
	"github.com/astromechza/automerge-sessions/pkg/session"
	"github.com/astromechza/automerge-sessions/pkg/snapshot"
)

type rig struct {
	registry   *session.Registry
	store      snapshot.Store
	dispatcher *server.Dispatcher
	url        string
}

func newRig(t *testing.T, opts ...server.Option) *rig {
	t.Helper()
	store, err := snapshot.NewFileStore(t.TempDir())
	require.NoError(t, err)
	registry := session.NewRegistry(store)
	d := server.NewDispatcher(registry, store, opts...)
	d.Register("increment", func(_ context.Context, _ string, _ json.RawMessage) (*server.Result, error) {
		return &server.Result{Mutate: func(doc *automerge.Doc) error {
			return doc.Path("counter").Counter().Inc(1)
		}}, nil
	})
	d.Register("explode", func(_ context.Context, _ string, _ json.RawMessage) (*server.Result, error) {
		return nil, fmt.Errorf("collaborator unavailable")
	})
	ts := httptest.NewServer(http.HandlerFunc(d.ServeWS))
	t.Cleanup(ts.Close)
	return &rig{
		registry:   registry,
		store:      store,
		dispatcher: d,
		url:        "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func recv(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func docField(t *testing.T, m map[string]interface{}, key string) *automerge.Doc {
	t.Helper()
	encoded, ok := m[key].(string)
	require.True(t, ok, "missing %s in %v", key, m)
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	doc, err := document.Load(raw)
	require.NoError(t, err)
	return doc
}

func counterValue(t *testing.T, doc *automerge.Doc) int64 {
	t.Helper()
	value, err := doc.Path("counter").Counter().Get()
	require.NoError(t, err)
	return value
}

func join(t *testing.T, ws *websocket.Conn, sessionID string) map[string]interface{} {
	t.Helper()
	send(t, ws, protocol.JoinSession{Type: protocol.OpJoinSession, SessionID: sessionID})
	m := recv(t, ws)
	require.Equal(t, protocol.MsgSessionJoined, m["type"])
	return m
}

func TestJoinCreatesSessionWithEmptyDocument(t *testing.T) {
	r := newRig(t)
	ws := dial(t, r.url)

	m := join(t, ws, "s1")
	assert.Equal(t, "s1", m["sessionId"])
	doc := docField(t, m, "initialState")
	v, err := doc.Path("session_state", "status").Get()
	require.NoError(t, err)
	assert.Equal(t, "ready", v.Str())

	_, ok := r.registry.Get("s1")
	assert.True(t, ok)
}

func TestJoinGeneratesSessionID(t *testing.T) {
	r := newRig(t)
	ws := dial(t, r.url)

	send(t, ws, protocol.JoinSession{Type: protocol.OpJoinSession})
	m := recv(t, ws)
	require.Equal(t, protocol.MsgSessionJoined, m["type"])
	id, ok := m["sessionId"].(string)
	require.True(t, ok)
	assert.NotEmpty(t, id)
	_, ok = r.registry.Get(id)
	assert.True(t, ok)
}

func TestOperationBeforeJoin(t *testing.T) {
	r := newRig(t)
	ws := dial(t, r.url)

	send(t, ws, map[string]interface{}{"type": "increment"})
	m := recv(t, ws)
	assert.Equal(t, protocol.MsgError, m["type"])
	assert.Equal(t, "No active session", m["message"])
}

func TestMalformedEnvelope(t *testing.T) {
	r := newRig(t)
	ws := dial(t, r.url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	m := recv(t, ws)
	assert.Equal(t, protocol.MsgError, m["type"])

	// the connection stays open and usable
	join(t, ws, "s1")
}

func TestUnknownOperation(t *testing.T) {
	r := newRig(t)
	ws := dial(t, r.url)
	join(t, ws, "s1")

	send(t, ws, map[string]interface{}{"type": "bogus"})
	m := recv(t, ws)
	assert.Equal(t, protocol.MsgError, m["type"])
	assert.Contains(t, m["message"], "unknown operation")
}

func TestMutationRepliesAndBroadcasts(t *testing.T) {
	r := newRig(t)
	ws1 := dial(t, r.url)
	join(t, ws1, "s1")
	ws2 := dial(t, r.url)
	join(t, ws2, "s1")

	send(t, ws1, map[string]interface{}{"type": "increment"})

	m1 := recv(t, ws1)
	require.Equal(t, protocol.MsgUpdate, m1["type"])
	assert.Equal(t, int64(1), counterValue(t, docField(t, m1, "data")))

	m2 := recv(t, ws2)
	require.Equal(t, protocol.MsgUpdate, m2["type"])
	assert.Equal(t, int64(1), counterValue(t, docField(t, m2, "data")))

	// a later joiner sees the post-mutation document, not an empty one
	ws3 := dial(t, r.url)
	m3 := join(t, ws3, "s1")
	assert.Equal(t, int64(1), counterValue(t, docField(t, m3, "initialState")))
}

func TestSessionsMutateIndependently(t *testing.T) {
	r := newRig(t)
	ws1 := dial(t, r.url)
	join(t, ws1, "a")
	ws2 := dial(t, r.url)
	join(t, ws2, "b")

	send(t, ws1, map[string]interface{}{"type": "increment"})
	m := recv(t, ws1)
	require.Equal(t, protocol.MsgUpdate, m["type"])

	sessB, ok := r.registry.Get("b")
	require.True(t, ok)
	doc, err := document.Load(sessB.SnapshotBytes())
	require.NoError(t, err)
	v, err := doc.Path("counter").Get()
	require.NoError(t, err)
	assert.Equal(t, automerge.KindVoid, v.Kind())
}

func TestCollaboratorFailureLeavesDocumentUnchanged(t *testing.T) {
	r := newRig(t)
	ws := dial(t, r.url)
	join(t, ws, "s1")

	send(t, ws, map[string]interface{}{"type": "explode"})
	m := recv(t, ws)
	assert.Equal(t, protocol.MsgError, m["type"])
	assert.Contains(t, m["message"], "explode")

	sess, ok := r.registry.Get("s1")
	require.True(t, ok)
	doc, err := document.Load(sess.SnapshotBytes())
	require.NoError(t, err)
	v, err := doc.Path("counter").Get()
	require.NoError(t, err)
	assert.Equal(t, automerge.KindVoid, v.Kind())
}

func TestSyncMergesOfflineClientState(t *testing.T) {
	r := newRig(t)
	ws := dial(t, r.url)
	m := join(t, ws, "s1")

	// the client keeps mutating its replica of the initial state
	clientDoc := docField(t, m, "initialState")
	require.NoError(t, clientDoc.Path("note").Set("written-offline"))

	// meanwhile the server document moves on
	send(t, ws, map[string]interface{}{"type": "increment"})
	require.Equal(t, protocol.MsgUpdate, recv(t, ws)["type"])

	send(t, ws, protocol.Sync{Type: protocol.OpSync, ClientState: document.Save(clientDoc)})
	resp := recv(t, ws)
	require.Equal(t, protocol.MsgSyncResponse, resp["type"])

	merged := docField(t, resp, "data")
	assert.Equal(t, int64(1), counterValue(t, merged))
	v, err := merged.Path("note").Get()
	require.NoError(t, err)
	assert.Equal(t, "written-offline", v.Str())
}

func TestSyncCorruptClientState(t *testing.T) {
	r := newRig(t)
	ws := dial(t, r.url)
	join(t, ws, "s1")

	send(t, ws, protocol.Sync{Type: protocol.OpSync, ClientState: []byte("garbage")})
	m := recv(t, ws)
	assert.Equal(t, protocol.MsgError, m["type"])
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	r := newRig(t)
	ws := dial(t, r.url)
	join(t, ws, "s1")

	send(t, ws, map[string]interface{}{"type": "increment"})
	require.Equal(t, protocol.MsgUpdate, recv(t, ws)["type"])

	send(t, ws, protocol.SaveSnapshot{Type: protocol.OpSaveSnapshot})
	m := recv(t, ws)
	require.Equal(t, protocol.MsgSnapshotSaved, m["type"])
	assert.Equal(t, "s1", m["sessionId"])

	send(t, ws, protocol.LoadSnapshot{Type: protocol.OpLoadSnapshot, TargetSessionID: "s1"})
	m = recv(t, ws)
	require.Equal(t, protocol.MsgSnapshotLoaded, m["type"])
	assert.Equal(t, int64(1), counterValue(t, docField(t, m, "data")))
}

func TestLoadSnapshotMissing(t *testing.T) {
	r := newRig(t)
	ws := dial(t, r.url)
	join(t, ws, "s1")

	send(t, ws, protocol.LoadSnapshot{Type: protocol.OpLoadSnapshot, TargetSessionID: "s2"})
	m := recv(t, ws)
	assert.Equal(t, protocol.MsgError, m["type"])

	// no session is created as a side effect
	_, ok := r.registry.Get("s2")
	assert.False(t, ok)
}

func TestDisconnectSnapshotsEmptiedSession(t *testing.T) {
	r := newRig(t)
	ws := dial(t, r.url)
	join(t, ws, "s1")
	send(t, ws, map[string]interface{}{"type": "increment"})
	require.Equal(t, protocol.MsgUpdate, recv(t, ws)["type"])

	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		raw, err := r.store.Load("s1")
		if err != nil {
			return false
		}
		doc, err := document.Load(raw)
		if err != nil {
			return false
		}
		value, err := doc.Path("counter").Counter().Get()
		return err == nil && value == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCollaboratorTimeoutSurfacedAsError(t *testing.T) {
	r := newRig(t, server.WithCollaboratorTimeout(200*time.Millisecond))
	block := make(chan struct{})
	defer close(block)
	r.dispatcher.Register("stall", func(_ context.Context, _ string, _ json.RawMessage) (*server.Result, error) {
		// ignores its context entirely
		<-block
		return nil, nil
	})
	ws := dial(t, r.url)
	join(t, ws, "s1")

	start := time.Now()
	send(t, ws, map[string]interface{}{"type": "stall"})
	m := recv(t, ws)
	assert.Equal(t, protocol.MsgError, m["type"])
	assert.Contains(t, m["message"], "stall")
	assert.Less(t, time.Since(start), 3*time.Second)

	// the connection is not wedged behind the abandoned call
	send(t, ws, map[string]interface{}{"type": "increment"})
	assert.Equal(t, protocol.MsgUpdate, recv(t, ws)["type"])
}

func TestJoinModeHookFailureDoesNotFailJoin(t *testing.T) {
	hook := func(_ context.Context, _ string, _ json.RawMessage) (*server.Result, error) {
		return nil, fmt.Errorf("bootstrap unavailable")
	}
	r := newRig(t, server.WithStartupHook(hook))
	ws := dial(t, r.url)

	send(t, ws, protocol.JoinSession{Type: protocol.OpJoinSession, SessionID: "s1", Mode: "desktop"})
	m := recv(t, ws)
	assert.Equal(t, protocol.MsgSessionJoined, m["type"])
	m = recv(t, ws)
	assert.Equal(t, protocol.MsgError, m["type"])

	// still joined and usable
	send(t, ws, map[string]interface{}{"type": "increment"})
	assert.Equal(t, protocol.MsgUpdate, recv(t, ws)["type"])
}
