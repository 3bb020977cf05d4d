package host

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EchoEngine is an in-process Provider for running the bridge without an
// editor: every user message gets a streamed assistant reply that echoes the
// input. It backs `syncbridge serve` and the end-to-end tests.
type EchoEngine struct {
	logger *slog.Logger

	// ChunkDelay is the pause between streamed partial deltas.
	ChunkDelay time.Duration

	mu      sync.Mutex
	current *EchoTask
	subs    map[int]func(Task)
	nextSub int
}

// NewEchoEngine creates a demo engine. A nil logger discards output.
func NewEchoEngine(logger *slog.Logger) *EchoEngine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &EchoEngine{
		logger:     logger,
		ChunkDelay: 10 * time.Millisecond,
		subs:       make(map[int]func(Task)),
	}
}

func (e *EchoEngine) OnTaskCreated(cb func(Task)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = cb
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *EchoEngine) CurrentTask() Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return nil
	}
	return e.current
}

func (e *EchoEngine) CreateTask(ctx context.Context, text string, images []string, opts TaskOptions) (Task, error) {
	task := newEchoTask(e)

	e.mu.Lock()
	e.current = task
	cbs := make([]func(Task), 0, len(e.subs))
	for _, cb := range e.subs {
		cbs = append(cbs, cb)
	}
	e.mu.Unlock()

	for _, cb := range cbs {
		cb(task)
	}

	e.logger.Info("echo task created", "task_id", task.TaskID(), "images", len(images))
	go task.respond(text)
	return task, nil
}

func (e *EchoEngine) TriggerSend(ctx context.Context) error {
	e.logger.Info("trigger send requested")
	return nil
}

func (e *EchoEngine) CancelCurrent(ctx context.Context) error {
	e.mu.Lock()
	task := e.current
	e.mu.Unlock()
	if task != nil {
		task.cancelStreaming()
	}
	return nil
}

func (e *EchoEngine) PushStatus(st Status) {
	e.logger.Info("status", "running", st.Running, "connections", len(st.Connections))
}

// EchoTask streams "Echo: <input>" back in three chunks for every user turn.
type EchoTask struct {
	engine *EchoEngine
	id     string

	mu       sync.Mutex
	messages []TaskMessage
	subs     map[int]func(MessageAction, TaskMessage)
	nextSub  int
	stop     chan struct{}
}

func newEchoTask(engine *EchoEngine) *EchoTask {
	return &EchoTask{
		engine: engine,
		id:     uuid.New().String(),
		subs:   make(map[int]func(MessageAction, TaskMessage)),
		stop:   make(chan struct{}),
	}
}

func (t *EchoTask) TaskID() string { return t.id }

func (t *EchoTask) Messages() []TaskMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TaskMessage, len(t.messages))
	copy(out, t.messages)
	return out
}

func (t *EchoTask) OnMessage(cb func(MessageAction, TaskMessage)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = cb
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *EchoTask) HandleAskResponse(ctx context.Context, askResponse, text string, images []string) error {
	t.engine.logger.Info("ask response", "task_id", t.id, "ask_response", askResponse)
	if askResponse == "messageResponse" && text != "" {
		go t.respond(text)
	}
	return nil
}

func (t *EchoTask) cancelStreaming() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

// respond emits two partial deltas and a final say message, all with the same
// message identity so clients fold them into one bubble.
func (t *EchoTask) respond(input string) {
	full := "Echo: " + input
	cut1 := len(full) / 3
	cut2 := 2 * len(full) / 3

	select {
	case <-t.stop:
		return
	case <-time.After(t.engine.ChunkDelay):
	}

	msg := TaskMessage{
		TS:      time.Now().UnixMilli(),
		ID:      uuid.New().String(),
		Kind:    KindSay,
		Say:     SayText,
		Text:    full[:cut1],
		Partial: true,
	}
	t.emit(ActionCreated, msg)

	for _, step := range []struct {
		text    string
		partial bool
	}{
		{full[:cut2], true},
		{full, false},
	} {
		select {
		case <-t.stop:
			return
		case <-time.After(t.engine.ChunkDelay):
		}
		msg.Text = step.text
		msg.Partial = step.partial
		t.emit(ActionUpdated, msg)
	}
}

func (t *EchoTask) emit(action MessageAction, msg TaskMessage) {
	t.mu.Lock()
	replaced := false
	for i := range t.messages {
		if t.messages[i].ID == msg.ID {
			t.messages[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		t.messages = append(t.messages, msg)
	}
	cbs := make([]func(MessageAction, TaskMessage), 0, len(t.subs))
	for _, cb := range t.subs {
		cbs = append(cbs, cb)
	}
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(action, msg)
	}
}
