package host

import (
	"context"
	"time"
)

// MessageKind is the top-level kind of a task message. Ask is a prompt from
// the engine waiting for a user answer; Say is any non-blocking utterance.
type MessageKind string

const (
	KindAsk MessageKind = "ask"
	KindSay MessageKind = "say"
)

// Say subtypes the bridge cares about when mapping roles.
const (
	SayText             = "text"
	SayCompletionResult = "completion_result"
	SayError            = "error"
	SayTool             = "tool"
)

// MessageAction describes what happened to a task message.
type MessageAction string

const (
	ActionCreated MessageAction = "created"
	ActionUpdated MessageAction = "updated"
)

// TaskMessage is one entry of a task's message log, read-only to the bridge.
// Partial marks a streaming chunk that a later update with the same ID
// supersedes.
type TaskMessage struct {
	TS      int64
	ID      string
	Kind    MessageKind
	Ask     string
	Say     string
	Text    string
	Partial bool
}

// TaskOptions tunes task creation. A ConsecutiveMistakeLimit of zero means
// unbounded: remote-driven sessions must not be terminated by the host's
// anti-runaway heuristic.
type TaskOptions struct {
	ConsecutiveMistakeLimit int
}

// ConnectionSummary is one entry of the status pushed to the host UI.
type ConnectionSummary struct {
	ID          string
	ClientType  string
	Version     string
	ConnectedAt time.Time
}

// Status is pushed to the host UI after every connect/disconnect so it
// reflects reality without polling.
type Status struct {
	Running     bool
	Connections []ConnectionSummary
}

// Task is a single conversation session inside the host's AI engine.
type Task interface {
	TaskID() string

	// Messages returns an ordered snapshot of the task's message log.
	Messages() []TaskMessage

	// OnMessage subscribes to created/updated events for this task's
	// messages. The returned function removes the subscription.
	OnMessage(cb func(MessageAction, TaskMessage)) (unsubscribe func())

	// HandleAskResponse answers the currently-pending prompt.
	HandleAskResponse(ctx context.Context, askResponse, text string, images []string) error
}

// Provider is the handle the sync service consumes from the host editor.
type Provider interface {
	// OnTaskCreated subscribes to new-task events. The returned function
	// removes the subscription.
	OnTaskCreated(cb func(Task)) (unsubscribe func())

	// CurrentTask returns the active task, or nil when there is none.
	CurrentTask() Task

	// CreateTask starts a new task seeded with text and images.
	CreateTask(ctx context.Context, text string, images []string, opts TaskOptions) (Task, error)

	// TriggerSend invokes the host's default action for the pending input.
	TriggerSend(ctx context.Context) error

	// CancelCurrent aborts the current operation.
	CancelCurrent(ctx context.Context) error

	// PushStatus surfaces the connection list to the host UI. Implementations
	// may ignore it.
	PushStatus(Status)
}
