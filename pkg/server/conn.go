package server

import (
	"encoding/json"
	"log/slog"

	"github.com/gorilla/websocket"
)

// conn is one attached websocket. A dedicated writer goroutine drains the send
// channel so the reader and broadcasting sessions never write the socket
// concurrently.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	// sessionID is only touched by this connection's reader goroutine. Empty
	// until a join_session succeeds.
	sessionID string
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:   ws,
		send: make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				// close the socket so the read loop unblocks and tears the
				// connection down; otherwise a half-closed peer could leave
				// reply waiting on a full send buffer forever
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Deliver queues a broadcast payload without blocking: a connection that
// cannot keep up misses intermediate states and catches up on the next one.
func (c *conn) Deliver(payload []byte) {
	select {
	case c.send <- payload:
	case <-c.done:
	default:
	}
}

// reply queues a direct response to this connection's own request, waiting for
// buffer space rather than dropping it.
func (c *conn) reply(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode reply", "err", err)
		return
	}
	select {
	case c.send <- msg:
	case <-c.done:
	}
}
