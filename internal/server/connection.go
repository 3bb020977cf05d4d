package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of one remote connection.
type State int

const (
	StateConnecting State = iota + 1
	StateConnected
	StateReconnecting
	StateFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

const writeTimeout = 10 * time.Second

// connection is the server-owned record for one socket. Metadata fields are
// guarded by the server mutex; writes to the socket are serialized by
// writeMu because the heartbeat goroutine and senders run concurrently.
type connection struct {
	id           string
	clientType   string
	version      string
	capabilities []string
	connectedAt  time.Time
	lastActivity time.Time
	lastPong     time.Time
	state        State

	ws        *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Info is a read-only snapshot of a connection for the status API.
type Info struct {
	ID           string
	ClientType   string
	Version      string
	Capabilities []string
	ConnectedAt  time.Time
	LastActivity time.Time
	State        State
}

func (c *connection) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *connection) writeControl(messageType int, data []byte) error {
	return c.ws.WriteControl(messageType, data, time.Now().Add(writeTimeout))
}

// close sends a close frame once and tears the socket down; the read loop
// unblocks and performs record cleanup.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		_ = c.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = c.ws.Close()
		close(c.done)
	})
}
