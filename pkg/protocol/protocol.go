// Package protocol declares the operation envelopes exchanged between clients
// and the session server. Every message is a single JSON object tagged with a
// "type" field; binary document state travels inside as base64-encoded bytes.
package protocol

// Operation names accepted by the server.
const (
	OpJoinSession  = "join_session"
	OpSync         = "sync"
	OpSaveSnapshot = "save_snapshot"
	OpLoadSnapshot = "load_snapshot"
)

// Reply type names sent by the server.
const (
	MsgSessionJoined  = "session_joined"
	MsgUpdate         = "update"
	MsgSyncResponse   = "sync_response"
	MsgSnapshotSaved  = "snapshot_saved"
	MsgSnapshotLoaded = "snapshot_loaded"
	MsgError          = "error"
)

// Envelope is the tag every inbound message must carry. The rest of the
// payload is decoded by the handler for that operation.
type Envelope struct {
	Type string `json:"type"`
}

type JoinSession struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

type Sync struct {
	Type        string `json:"type"`
	ClientState []byte `json:"clientState,omitempty"`
}

type SaveSnapshot struct {
	Type string `json:"type"`
}

type LoadSnapshot struct {
	Type            string `json:"type"`
	TargetSessionID string `json:"targetSessionId"`
}

type SessionJoined struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	InitialState []byte `json:"initialState"`
}

type Update struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

type SyncResponse struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

type SnapshotSaved struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type SnapshotLoaded struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      []byte `json:"data"`
}

type ErrorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error builds the structured error reply sent whenever an operation cannot be
// completed. The connection always stays open.
func Error(message string) ErrorReply {
	return ErrorReply{Type: MsgError, Message: message}
}
