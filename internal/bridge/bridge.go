// Package bridge adapts between the host's AI task events and the sync wire
// protocol: task messages fan out to registered clients, and client commands
// are executed against the host's task-control operations.
package bridge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roocode/sync-bridge/internal/host"
	"github.com/roocode/sync-bridge/internal/protocol"
	"github.com/roocode/sync-bridge/internal/redact"
)

// Outbound delivers a bridge-generated message to one connection. The
// orchestrator installs it and forwards through the connection server.
type Outbound func(connectionID string, msg *protocol.Message)

// Client is the bridge-side record of a registered remote client. It weakly
// references a connection by id; disconnects and the periodic sweep remove it.
type Client struct {
	ConnectionID       string
	SessionID          string
	CurrentTaskID      string
	SyncedMessageCount int
}

type taskListener struct {
	task        host.Task
	unsubscribe func()
}

// Bridge owns both directions of the adapter. A single mutex guards the
// client table and the per-task listener map.
type Bridge struct {
	provider host.Provider
	logger   *slog.Logger

	// mistakeLimit is passed to task creation; zero keeps remote-driven
	// sessions unbounded.
	mistakeLimit int

	// redactor sanitizes task text before it leaves the host; nil disables
	// redaction.
	redactor *redact.Redactor

	mu          sync.Mutex
	started     bool
	clients     map[string]*Client
	tasks       map[string]taskListener
	unsubscribe func()
	outbound    Outbound
}

// New creates a bridge over the given host provider. A nil redactor disables
// redaction; a nil logger discards output.
func New(provider host.Provider, mistakeLimit int, redactor *redact.Redactor, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{
		provider:     provider,
		logger:       logger,
		mistakeLimit: mistakeLimit,
		redactor:     redactor,
		clients:      make(map[string]*Client),
		tasks:        make(map[string]taskListener),
	}
}

// OnOutbound installs the delivery callback for bridge-generated messages.
func (b *Bridge) OnOutbound(cb Outbound) {
	b.mu.Lock()
	b.outbound = cb
	b.mu.Unlock()
}

// Start subscribes to task creation and attaches to the current task, if any.
func (b *Bridge) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.unsubscribeTaskCreated(b.provider.OnTaskCreated(b.watchTask))
	if task := b.provider.CurrentTask(); task != nil {
		b.watchTask(task)
	}
}

func (b *Bridge) unsubscribeTaskCreated(unsub func()) {
	b.mu.Lock()
	b.unsubscribe = unsub
	b.mu.Unlock()
}

// Stop removes all listeners and clears the bridge tables. Removal is
// best-effort; the host emits no further events for destroyed tasks.
func (b *Bridge) Stop() {
	b.mu.Lock()
	unsub := b.unsubscribe
	listeners := make([]taskListener, 0, len(b.tasks))
	for _, tl := range b.tasks {
		listeners = append(listeners, tl)
	}
	b.unsubscribe = nil
	b.tasks = make(map[string]taskListener)
	b.clients = make(map[string]*Client)
	b.started = false
	b.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, tl := range listeners {
		tl.unsubscribe()
	}
}

// watchTask installs a message listener on a task, keyed by task id so the
// listener can be removed on cleanup. Idempotent per task.
func (b *Bridge) watchTask(task host.Task) {
	taskID := task.TaskID()
	b.mu.Lock()
	if _, exists := b.tasks[taskID]; exists {
		b.mu.Unlock()
		return
	}
	// Reserve the slot before subscribing so concurrent watchers back off.
	b.tasks[taskID] = taskListener{task: task}
	b.mu.Unlock()

	unsub := task.OnMessage(func(_ host.MessageAction, msg host.TaskMessage) {
		b.handleTaskMessage(taskID, msg)
	})

	b.mu.Lock()
	b.tasks[taskID] = taskListener{task: task, unsubscribe: unsub}
	b.mu.Unlock()

	b.logger.Info("watching task", "task_id", taskID)
}

// handleTaskMessage converts one task event and emits it once per registered
// client. Conversion problems are logged and skipped, never surfaced.
func (b *Bridge) handleTaskMessage(taskID string, msg host.TaskMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg.Text = b.redactor.Redact(msg.Text)
	wire, ok := convertTaskMessage(msg, b.sessionIDLocked(), taskID)
	if !ok {
		return
	}
	if b.outbound == nil {
		return
	}
	for _, client := range b.clients {
		b.outbound(client.ConnectionID, wire)
		client.SyncedMessageCount++
	}
}

// sessionIDLocked picks the session id for outbound events: any registered
// client's last-known sessionId, first found wins, else the compatibility
// fallback for clients that handshake but never send an AI message.
func (b *Bridge) sessionIDLocked() string {
	for _, client := range b.clients {
		if client.SessionID != "" {
			return client.SessionID
		}
	}
	return fallbackSessionID
}

// RegisterClient creates the client record for a connection if it does not
// exist and replays the current task history to that connection only.
// Registration is idempotent: re-registering only refreshes the session id.
func (b *Bridge) RegisterClient(connectionID, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if client, exists := b.clients[connectionID]; exists {
		if sessionID != "" {
			client.SessionID = sessionID
		}
		return
	}

	client := &Client{ConnectionID: connectionID, SessionID: sessionID}
	b.clients[connectionID] = client
	b.logger.Info("client registered", "connection_id", connectionID, "session_id", sessionID)

	task := b.provider.CurrentTask()
	if task == nil || b.outbound == nil {
		return
	}
	// Replay the live snapshot, partial flags preserved, so a mid-stream
	// reconnecting client resumes the same streamId.
	taskID := task.TaskID()
	for _, msg := range task.Messages() {
		msg.Text = b.redactor.Redact(msg.Text)
		wire, ok := convertTaskMessage(msg, b.sessionIDLocked(), taskID)
		if !ok {
			continue
		}
		b.outbound(connectionID, wire)
		client.SyncedMessageCount++
	}
}

// UnregisterClient drops the client record for a closed connection.
func (b *Bridge) UnregisterClient(connectionID string) {
	b.mu.Lock()
	if _, exists := b.clients[connectionID]; exists {
		delete(b.clients, connectionID)
		b.logger.Info("client unregistered", "connection_id", connectionID)
	}
	b.mu.Unlock()
}

// ClientCount returns the number of registered clients.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// CleanupStale drops client records whose connection no longer exists.
func (b *Bridge) CleanupStale(liveConnections map[string]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.clients {
		if !liveConnections[id] {
			delete(b.clients, id)
			b.logger.Info("stale client dropped", "connection_id", id)
		}
	}
}

// HandleMessage executes one inbound AI-typed command and returns the
// acknowledgment for the originating connection, or nil when the message
// needs no reply. Host operation failures become per-client error acks and
// never propagate.
func (b *Bridge) HandleMessage(ctx context.Context, connectionID string, m *protocol.Message) *protocol.Message {
	switch m.Type {
	case protocol.TypeAIConversation:
		return b.handleConversation(ctx, connectionID, m)
	case protocol.TypeAskResponse:
		return b.handleAskResponse(ctx, connectionID, m)
	case protocol.TypeTriggerSend:
		return b.handleTriggerSend(ctx, connectionID, m)
	default:
		b.logger.Warn("unexpected message routed to bridge", "type", m.Type)
		return nil
	}
}

// handleConversation implements create-or-continue for user messages: a
// message for the client's own current task continues it through the pending
// prompt; anything else starts a fresh task.
func (b *Bridge) handleConversation(ctx context.Context, connectionID string, m *protocol.Message) *protocol.Message {
	if m.Role() != protocol.RoleUser {
		// Inbound partial/assistant traffic is ignored; only user messages
		// drive the task.
		return nil
	}
	content := m.Content()
	sessionID := m.SessionID()

	b.mu.Lock()
	client := b.clients[connectionID]
	if client == nil {
		client = &Client{ConnectionID: connectionID}
		b.clients[connectionID] = client
	}
	if sessionID != "" {
		client.SessionID = sessionID
	}
	clientTaskID := client.CurrentTaskID
	b.mu.Unlock()

	current := b.provider.CurrentTask()
	if current != nil && clientTaskID == current.TaskID() {
		if err := current.HandleAskResponse(ctx, string(protocol.AskMessageResponse), content, []string{}); err != nil {
			return b.errorAck(sessionID, m.ID, fmt.Errorf("continue task: %w", err))
		}
		return ackMessage(sessionID, "Message sent to current task", map[string]any{
			"type":              "task_created",
			"originalMessageId": m.ID,
			"taskId":            current.TaskID(),
		})
	}

	task, err := b.provider.CreateTask(ctx, content, []string{}, host.TaskOptions{
		ConsecutiveMistakeLimit: b.mistakeLimit,
	})
	if err != nil {
		return b.errorAck(sessionID, m.ID, fmt.Errorf("create task: %w", err))
	}
	b.watchTask(task)

	b.mu.Lock()
	if client := b.clients[connectionID]; client != nil {
		client.CurrentTaskID = task.TaskID()
	}
	b.mu.Unlock()

	return ackMessage(sessionID, "Task created", map[string]any{
		"type":              "task_created",
		"originalMessageId": m.ID,
		"taskId":            task.TaskID(),
	})
}

func (b *Bridge) handleAskResponse(ctx context.Context, connectionID string, m *protocol.Message) *protocol.Message {
	sessionID := m.SessionID()
	choice, _ := m.Payload["askResponse"].(string)
	text, _ := m.Payload["text"].(string)
	images := stringSlice(m.Payload["images"])

	task := b.provider.CurrentTask()
	if task == nil {
		b.logger.Warn("ask response with no current task", "connection_id", connectionID)
	} else if err := task.HandleAskResponse(ctx, choice, text, images); err != nil {
		return b.errorAck(sessionID, m.ID, fmt.Errorf("ask response: %w", err))
	}

	return ackMessage(sessionID, "Ask response delivered", map[string]any{
		"type":              "ask_response_result",
		"originalMessageId": m.ID,
		"success":           true,
		"askResponse":       choice,
	})
}

func (b *Bridge) handleTriggerSend(ctx context.Context, connectionID string, m *protocol.Message) *protocol.Message {
	sessionID := m.SessionID()
	action, _ := m.Payload["action"].(string)

	switch protocol.Action(action) {
	case protocol.ActionSend:
		if err := b.provider.TriggerSend(ctx); err != nil {
			return b.errorAck(sessionID, m.ID, fmt.Errorf("trigger send: %w", err))
		}
		return ackMessage(sessionID, "Send triggered", map[string]any{
			"type":              "trigger_result",
			"originalMessageId": m.ID,
			"success":           true,
		})
	case protocol.ActionCancel:
		if err := b.provider.CancelCurrent(ctx); err != nil {
			return b.errorAck(sessionID, m.ID, fmt.Errorf("cancel: %w", err))
		}
		return ackMessage(sessionID, "Operation cancelled", map[string]any{
			"type":              "cancel_result",
			"originalMessageId": m.ID,
			"success":           true,
		})
	default:
		return b.errorAck(sessionID, m.ID, fmt.Errorf("unknown action %q", action))
	}
}

func (b *Bridge) errorAck(sessionID, originalID string, err error) *protocol.Message {
	b.logger.Error("host operation failed", "error", err)
	return ackMessage(sessionID, "Error: "+err.Error(), map[string]any{
		"type":              "error",
		"originalMessageId": originalID,
		"error":             err.Error(),
	})
}

func ackMessage(sessionID, content string, metadata map[string]any) *protocol.Message {
	if sessionID == "" {
		sessionID = fallbackSessionID
	}
	return protocol.NewAIConversation(sessionID, protocol.RoleAssistant, content, metadata)
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
