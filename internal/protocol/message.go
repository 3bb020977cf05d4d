package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies a wire message. The set is closed: decoding any other
// value is a codec error.
type Type string

const (
	TypeClientHandshake    Type = "ClientHandshake"
	TypeConnectionAccepted Type = "ConnectionAccepted"
	TypeConnectionRejected Type = "ConnectionRejected"
	TypeAIConversation     Type = "AIConversation"
	TypeAskResponse        Type = "AskResponse"
	TypeTriggerSend        Type = "TriggerSend"
	TypePing               Type = "Ping"
	TypePong               Type = "Pong"
	TypeEcho               Type = "Echo"
)

// Role is the conversational role carried by AIConversation payloads.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// AskChoice enumerates the answers a client may give to a pending prompt.
type AskChoice string

const (
	AskYesButtonClicked AskChoice = "yesButtonClicked"
	AskNoButtonClicked  AskChoice = "noButtonClicked"
	AskMessageResponse  AskChoice = "messageResponse"
	AskObjectResponse   AskChoice = "objectResponse"
)

// Action enumerates TriggerSend actions.
type Action string

const (
	ActionSend   Action = "send"
	ActionCancel Action = "cancel"
)

// Message is the envelope for every frame on the sync protocol. Payload shape
// is determined by Type. The streaming fields are extensions attached to
// AIConversation frames so clients can fold partial deltas into one bubble.
type Message struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
	ID        string `json:"id"`

	// ClientHandshake fields (normalized top-level form).
	ClientType   string   `json:"clientType,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// ConnectionRejected.
	Reason string `json:"reason,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`

	// Streaming extensions.
	IsStreaming *bool  `json:"isStreaming,omitempty"`
	IsFinal     *bool  `json:"isFinal,omitempty"`
	StreamID    string `json:"streamId,omitempty"`
	ChunkIndex  *int   `json:"chunkIndex,omitempty"`
}

// ServerInfo describes the server half of a completed handshake.
type ServerInfo struct {
	Name         string
	Version      string
	Platform     string
	Capabilities []string
}

// New returns a message of the given type with a fresh id and the current
// wall clock.
func New(t Type) *Message {
	return &Message{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		ID:        uuid.New().String(),
	}
}

// NewClientHandshake builds a handshake in the normalized top-level form.
func NewClientHandshake(clientType, version string, capabilities []string) *Message {
	if capabilities == nil {
		capabilities = []string{}
	}
	m := New(TypeClientHandshake)
	m.ClientType = clientType
	m.Version = version
	m.Capabilities = capabilities
	return m
}

// NewConnectionAccepted builds the positive handshake reply.
func NewConnectionAccepted(connectionID string, info ServerInfo) *Message {
	caps := make([]any, 0, len(info.Capabilities))
	for _, c := range info.Capabilities {
		caps = append(caps, c)
	}
	m := New(TypeConnectionAccepted)
	m.Payload = map[string]any{
		"connectionId": connectionID,
		"serverInfo": map[string]any{
			"name":         info.Name,
			"version":      info.Version,
			"platform":     info.Platform,
			"capabilities": caps,
		},
	}
	return m
}

// NewConnectionRejected builds the negative handshake reply.
func NewConnectionRejected(reason string) *Message {
	m := New(TypeConnectionRejected)
	m.Reason = reason
	return m
}

// NewAIConversation builds a conversation message. Metadata may be nil.
func NewAIConversation(sessionID string, role Role, content string, metadata map[string]any) *Message {
	m := New(TypeAIConversation)
	m.Payload = map[string]any{
		"sessionId": sessionID,
		"role":      string(role),
		"content":   content,
	}
	if metadata != nil {
		m.Payload["metadata"] = metadata
	}
	return m
}

// NewAskResponse builds an answer to the host's pending prompt.
func NewAskResponse(sessionID string, choice AskChoice, text string, images []string) *Message {
	m := New(TypeAskResponse)
	m.Payload = map[string]any{
		"sessionId":   sessionID,
		"askResponse": string(choice),
	}
	if text != "" {
		m.Payload["text"] = text
	}
	if len(images) > 0 {
		imgs := make([]any, 0, len(images))
		for _, img := range images {
			imgs = append(imgs, img)
		}
		m.Payload["images"] = imgs
	}
	return m
}

// NewTriggerSend builds a send/cancel trigger.
func NewTriggerSend(sessionID string, action Action) *Message {
	m := New(TypeTriggerSend)
	m.Payload = map[string]any{
		"sessionId": sessionID,
		"action":    string(action),
	}
	return m
}

// NewPing builds a protocol-level ping.
func NewPing() *Message { return New(TypePing) }

// NewPong builds a protocol-level pong.
func NewPong() *Message { return New(TypePong) }

// NewEcho builds an echo request or reply.
func NewEcho(text string) *Message {
	m := New(TypeEcho)
	m.Payload = map[string]any{"message": text}
	return m
}

// IsSystem reports whether the message is heartbeat/echo noise that should be
// kept out of telemetry.
func (m *Message) IsSystem() bool {
	switch m.Type {
	case TypePing, TypePong, TypeEcho:
		return true
	}
	return false
}

// IsConnection reports whether the message is one of the handshake variants.
func (m *Message) IsConnection() bool {
	switch m.Type {
	case TypeClientHandshake, TypeConnectionAccepted, TypeConnectionRejected:
		return true
	}
	return false
}

// IsAI reports whether the message carries an AI-typed command or event.
func (m *Message) IsAI() bool {
	switch m.Type {
	case TypeAIConversation, TypeAskResponse, TypeTriggerSend:
		return true
	}
	return false
}

// SessionID returns payload.sessionId, or "" when absent.
func (m *Message) SessionID() string {
	s, _ := m.payloadString("sessionId")
	return s
}

// Content returns payload.content, or "" when absent.
func (m *Message) Content() string {
	s, _ := m.payloadString("content")
	return s
}

// Role returns payload.role, or "" when absent.
func (m *Message) Role() Role {
	s, _ := m.payloadString("role")
	return Role(s)
}

func (m *Message) payloadString(key string) (string, bool) {
	if m.Payload == nil {
		return "", false
	}
	v, ok := m.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
