package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing required field")
	ErrInvalidField = errors.New("invalid field value")
)

// Encode serializes a message to a single JSON text frame.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses one inbound frame, tolerating legacy clients: missing
// timestamp/id are back-filled, the handshake dual format and snake_case
// session_id are normalized, then the message is validated.
func Decode(data []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	normalize(m)
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// normalize rewrites tolerated legacy encodings into the canonical in-memory
// form so that validation and handlers see a single shape.
func normalize(m *Message) {
	switch m.Type {
	case TypeClientHandshake:
		if m.Payload != nil {
			if m.ClientType == "" {
				if s, ok := m.Payload["clientType"].(string); ok {
					m.ClientType = s
				}
			}
			if m.Version == "" {
				if s, ok := m.Payload["version"].(string); ok {
					m.Version = s
				}
			}
			if m.Capabilities == nil {
				if raw, ok := m.Payload["capabilities"].([]any); ok {
					caps := make([]string, 0, len(raw))
					for _, c := range raw {
						if s, ok := c.(string); ok {
							caps = append(caps, s)
						}
					}
					m.Capabilities = caps
				}
			}
			delete(m.Payload, "clientType")
			delete(m.Payload, "version")
			delete(m.Payload, "capabilities")
			if len(m.Payload) == 0 {
				m.Payload = nil
			}
		}
		if m.ClientType == "" {
			m.ClientType = "visionOS"
		}
		if m.Version == "" {
			m.Version = "1.0.0"
		}
		if m.Capabilities == nil {
			m.Capabilities = []string{}
		}
	case TypeAIConversation:
		if m.Payload != nil {
			if v, ok := m.Payload["session_id"]; ok {
				if _, exists := m.Payload["sessionId"]; !exists {
					m.Payload["sessionId"] = v
				}
				delete(m.Payload, "session_id")
			}
		}
	}
}

// Validate checks per-type required fields on a normalized message.
func Validate(m *Message) error {
	switch m.Type {
	case TypeClientHandshake:
		if m.ClientType == "" {
			return fmt.Errorf("%w: clientType", ErrMissingField)
		}
		if m.Version == "" {
			return fmt.Errorf("%w: version", ErrMissingField)
		}
		if m.Capabilities == nil {
			return fmt.Errorf("%w: capabilities", ErrMissingField)
		}
	case TypeConnectionAccepted:
		if err := requirePayloadString(m, "connectionId"); err != nil {
			return err
		}
		if _, ok := m.Payload["serverInfo"]; !ok {
			return fmt.Errorf("%w: payload.serverInfo", ErrMissingField)
		}
	case TypeConnectionRejected:
		if m.Reason == "" {
			return fmt.Errorf("%w: reason", ErrMissingField)
		}
	case TypeAIConversation:
		if err := requirePayloadString(m, "sessionId"); err != nil {
			return err
		}
		role, _ := m.payloadString("role")
		switch Role(role) {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return fmt.Errorf("%w: payload.role %q", ErrInvalidField, role)
		}
		if m.Payload == nil {
			return fmt.Errorf("%w: payload.content", ErrMissingField)
		}
		if _, ok := m.Payload["content"]; !ok {
			return fmt.Errorf("%w: payload.content", ErrMissingField)
		}
	case TypeAskResponse:
		if err := requirePayloadString(m, "sessionId"); err != nil {
			return err
		}
		choice, _ := m.payloadString("askResponse")
		switch AskChoice(choice) {
		case AskYesButtonClicked, AskNoButtonClicked, AskMessageResponse, AskObjectResponse:
		default:
			return fmt.Errorf("%w: payload.askResponse %q", ErrInvalidField, choice)
		}
	case TypeTriggerSend:
		if err := requirePayloadString(m, "sessionId"); err != nil {
			return err
		}
		action, _ := m.payloadString("action")
		switch Action(action) {
		case ActionSend, ActionCancel:
		default:
			return fmt.Errorf("%w: payload.action %q", ErrInvalidField, action)
		}
	case TypeEcho:
		if m.Payload == nil {
			return fmt.Errorf("%w: payload.message", ErrMissingField)
		}
		if _, ok := m.Payload["message"]; !ok {
			return fmt.Errorf("%w: payload.message", ErrMissingField)
		}
	case TypePing, TypePong:
		// No payload requirements.
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

func requirePayloadString(m *Message, key string) error {
	s, ok := m.payloadString(key)
	if !ok || s == "" {
		return fmt.Errorf("%w: payload.%s", ErrMissingField, key)
	}
	return nil
}
