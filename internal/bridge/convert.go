package bridge

import (
	"strings"

	"github.com/roocode/sync-bridge/internal/host"
	"github.com/roocode/sync-bridge/internal/protocol"
)

// fallbackSessionID is used until a registered client has declared a session.
const fallbackSessionID = "current-session"

// messageSource tags converted messages with their origin.
const messageSource = "roo-code"

// convertTaskMessage turns one host task message into its wire form. The
// second return value is false when the message produces no wire output
// (empty after trim).
//
// The streaming fields give clients a stable identity: every update of the
// same logical task message carries the same streamId so deltas fold into a
// single rendered bubble.
func convertTaskMessage(msg host.TaskMessage, sessionID, taskID string) (*protocol.Message, bool) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return nil, false
	}

	metadata := map[string]any{
		"timestamp":    msg.TS,
		"messageId":    msg.TS,
		"source":       messageSource,
		"originalType": string(msg.Kind),
	}
	if msg.Say != "" {
		metadata["sayType"] = msg.Say
	}
	if msg.Ask != "" {
		metadata["askType"] = msg.Ask
	}
	if taskID != "" {
		metadata["taskId"] = taskID
	}

	wire := protocol.NewAIConversation(sessionID, mapRole(msg), msg.Text, metadata)

	streaming := msg.Partial
	final := !streaming
	chunk := 0
	wire.IsStreaming = &streaming
	wire.IsFinal = &final
	wire.ChunkIndex = &chunk
	wire.StreamID = msg.ID
	if wire.StreamID == "" {
		wire.StreamID = wire.ID
	}
	return wire, true
}

// mapRole maps a task message onto a conversational role: asks are prompts
// for the user, errors and tool output are system noise, everything else is
// the assistant talking.
func mapRole(msg host.TaskMessage) protocol.Role {
	if msg.Kind == host.KindAsk {
		return protocol.RoleUser
	}
	switch msg.Say {
	case host.SayText, host.SayCompletionResult:
		return protocol.RoleAssistant
	case host.SayError, host.SayTool:
		return protocol.RoleSystem
	default:
		return protocol.RoleAssistant
	}
}
