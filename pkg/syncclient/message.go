package syncclient

import (
	"time"

	"github.com/google/uuid"
)

// Message types of the sync protocol.
const (
	TypeClientHandshake    = "ClientHandshake"
	TypeConnectionAccepted = "ConnectionAccepted"
	TypeConnectionRejected = "ConnectionRejected"
	TypeAIConversation     = "AIConversation"
	TypeAskResponse        = "AskResponse"
	TypeTriggerSend        = "TriggerSend"
	TypePing               = "Ping"
	TypePong               = "Pong"
	TypeEcho               = "Echo"
)

// TriggerSend actions.
const (
	ActionSend   = "send"
	ActionCancel = "cancel"
)

// Message is the client-side view of one protocol frame.
type Message struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
	ID        string `json:"id"`

	ClientType   string   `json:"clientType,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	Reason string `json:"reason,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`

	// Streaming extensions on AIConversation frames.
	IsStreaming *bool  `json:"isStreaming,omitempty"`
	IsFinal     *bool  `json:"isFinal,omitempty"`
	StreamID    string `json:"streamId,omitempty"`
	ChunkIndex  *int   `json:"chunkIndex,omitempty"`
}

func newMessage(typ string) *Message {
	return &Message{
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.New().String(),
	}
}

// SessionID returns payload.sessionId, or "" when absent.
func (m *Message) SessionID() string { return m.payloadString("sessionId") }

// Content returns payload.content, or "" when absent.
func (m *Message) Content() string { return m.payloadString("content") }

// Role returns payload.role, or "" when absent.
func (m *Message) Role() string { return m.payloadString("role") }

// Final reports whether the frame is a terminal streaming chunk. Frames
// without streaming fields are final by definition.
func (m *Message) Final() bool {
	return m.IsFinal == nil || *m.IsFinal
}

func (m *Message) payloadString(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}
