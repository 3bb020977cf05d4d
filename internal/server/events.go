package server

import "github.com/roocode/sync-bridge/internal/protocol"

// EventKind is the closed set of events the connection server emits.
type EventKind int

const (
	EventClientConnected EventKind = iota + 1
	EventClientDisconnected
	EventMessageReceived
	EventMessageSent
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventClientConnected:
		return "client_connected"
	case EventClientDisconnected:
		return "client_disconnected"
	case EventMessageReceived:
		return "message_received"
	case EventMessageSent:
		return "message_sent"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers installed with Subscribe.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Message      *protocol.Message
	Err          error
}
