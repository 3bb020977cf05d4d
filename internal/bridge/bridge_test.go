package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/roocode/sync-bridge/internal/host"
	"github.com/roocode/sync-bridge/internal/protocol"
	"github.com/roocode/sync-bridge/internal/redact"
)

type askCall struct {
	choice string
	text   string
	images []string
}

type fakeTask struct {
	id string

	mu       sync.Mutex
	msgs     []host.TaskMessage
	subs     []func(host.MessageAction, host.TaskMessage)
	askCalls []askCall
	askErr   error
}

func (t *fakeTask) TaskID() string { return t.id }

func (t *fakeTask) Messages() []host.TaskMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]host.TaskMessage, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *fakeTask) OnMessage(cb func(host.MessageAction, host.TaskMessage)) func() {
	t.mu.Lock()
	t.subs = append(t.subs, cb)
	idx := len(t.subs) - 1
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.subs[idx] = nil
		t.mu.Unlock()
	}
}

func (t *fakeTask) HandleAskResponse(_ context.Context, choice, text string, images []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.askErr != nil {
		return t.askErr
	}
	t.askCalls = append(t.askCalls, askCall{choice: choice, text: text, images: images})
	return nil
}

// emit appends to the log and notifies subscribers, the way a real engine
// streams partial updates.
func (t *fakeTask) emit(action host.MessageAction, msg host.TaskMessage) {
	t.mu.Lock()
	replaced := false
	for i, existing := range t.msgs {
		if existing.ID == msg.ID {
			t.msgs[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		t.msgs = append(t.msgs, msg)
	}
	subs := make([]func(host.MessageAction, host.TaskMessage), len(t.subs))
	copy(subs, t.subs)
	t.mu.Unlock()

	for _, cb := range subs {
		if cb != nil {
			cb(action, msg)
		}
	}
}

type fakeProvider struct {
	mu           sync.Mutex
	current      *fakeTask
	createdSubs  []func(host.Task)
	createErr    error
	triggerErr   error
	cancelErr    error
	triggerCalls int
	cancelCalls  int
	lastOpts     host.TaskOptions
	lastText     string
	nextID       int
}

func (p *fakeProvider) OnTaskCreated(cb func(host.Task)) func() {
	p.mu.Lock()
	p.createdSubs = append(p.createdSubs, cb)
	p.mu.Unlock()
	return func() {}
}

func (p *fakeProvider) CurrentTask() host.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	return p.current
}

func (p *fakeProvider) CreateTask(_ context.Context, text string, _ []string, opts host.TaskOptions) (host.Task, error) {
	p.mu.Lock()
	if p.createErr != nil {
		err := p.createErr
		p.mu.Unlock()
		return nil, err
	}
	p.nextID++
	task := &fakeTask{id: fmt.Sprintf("task-%d", p.nextID)}
	p.current = task
	p.lastOpts = opts
	p.lastText = text
	subs := make([]func(host.Task), len(p.createdSubs))
	copy(subs, p.createdSubs)
	p.mu.Unlock()

	for _, cb := range subs {
		cb(task)
	}
	return task, nil
}

func (p *fakeProvider) TriggerSend(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.triggerErr != nil {
		return p.triggerErr
	}
	p.triggerCalls++
	return nil
}

func (p *fakeProvider) CancelCurrent(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.cancelCalls++
	return nil
}

func (p *fakeProvider) PushStatus(host.Status) {}

// outboundRecorder collects fan-out deliveries keyed by connection id.
type outboundRecorder struct {
	mu   sync.Mutex
	sent map[string][]*protocol.Message
}

func newRecorder() *outboundRecorder {
	return &outboundRecorder{sent: make(map[string][]*protocol.Message)}
}

func (r *outboundRecorder) deliver(connID string, m *protocol.Message) {
	r.mu.Lock()
	r.sent[connID] = append(r.sent[connID], m)
	r.mu.Unlock()
}

func (r *outboundRecorder) messages(connID string) []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.Message, len(r.sent[connID]))
	copy(out, r.sent[connID])
	return out
}

func newTestBridge(t *testing.T, provider *fakeProvider) (*Bridge, *outboundRecorder) {
	t.Helper()
	b := New(provider, 0, nil, nil)
	rec := newRecorder()
	b.OnOutbound(rec.deliver)
	b.Start()
	t.Cleanup(b.Stop)
	return b, rec
}

func metaField(t *testing.T, m *protocol.Message, key string) any {
	t.Helper()
	meta, _ := m.Payload["metadata"].(map[string]any)
	if meta == nil {
		t.Fatalf("message has no metadata: %v", m.Payload)
	}
	return meta[key]
}

func TestConversationCreatesTask(t *testing.T) {
	provider := &fakeProvider{}
	b, _ := newTestBridge(t, provider)

	req := protocol.NewAIConversation("sess-1", protocol.RoleUser, "build a birdhouse", nil)
	ack := b.HandleMessage(context.Background(), "conn-1", req)
	if ack == nil {
		t.Fatal("expected an acknowledgment")
	}
	if ack.Type != protocol.TypeAIConversation {
		t.Fatalf("ack type = %s", ack.Type)
	}
	if got := metaField(t, ack, "type"); got != "task_created" {
		t.Errorf("ack metadata type = %v", got)
	}
	if got := metaField(t, ack, "taskId"); got != "task-1" {
		t.Errorf("taskId = %v", got)
	}
	if provider.lastText != "build a birdhouse" {
		t.Errorf("task text = %q", provider.lastText)
	}
	if provider.lastOpts.ConsecutiveMistakeLimit != 0 {
		t.Errorf("mistake limit = %d, want 0 (unbounded)", provider.lastOpts.ConsecutiveMistakeLimit)
	}
	// The bridge must be listening: a task event fans out.
	provider.current.emit(host.ActionCreated, host.TaskMessage{
		TS: 1, ID: "m1", Kind: host.KindSay, Say: host.SayText, Text: "working on it",
	})
	if b.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1", b.ClientCount())
	}
}

func TestConversationContinuesCurrentTask(t *testing.T) {
	provider := &fakeProvider{}
	b, _ := newTestBridge(t, provider)

	first := protocol.NewAIConversation("sess-1", protocol.RoleUser, "start", nil)
	b.HandleMessage(context.Background(), "conn-1", first)
	task := provider.current

	second := protocol.NewAIConversation("sess-1", protocol.RoleUser, "and add a roof", nil)
	ack := b.HandleMessage(context.Background(), "conn-1", second)
	if ack == nil {
		t.Fatal("expected ack")
	}
	if got := metaField(t, ack, "taskId"); got != task.id {
		t.Errorf("taskId = %v, want %s", got, task.id)
	}

	task.mu.Lock()
	calls := append([]askCall(nil), task.askCalls...)
	task.mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("ask calls = %d, want 1", len(calls))
	}
	if calls[0].choice != string(protocol.AskMessageResponse) || calls[0].text != "and add a roof" {
		t.Errorf("ask call = %+v", calls[0])
	}
}

func TestConversationFromOtherClientCreatesNewTask(t *testing.T) {
	provider := &fakeProvider{}
	b, _ := newTestBridge(t, provider)

	b.HandleMessage(context.Background(), "conn-1", protocol.NewAIConversation("s", protocol.RoleUser, "first", nil))
	// A different connection never owned the current task: it gets a new one.
	b.HandleMessage(context.Background(), "conn-2", protocol.NewAIConversation("s", protocol.RoleUser, "second", nil))

	if provider.current.id != "task-2" {
		t.Errorf("current task = %s, want task-2", provider.current.id)
	}
}

func TestNonUserConversationIgnored(t *testing.T) {
	provider := &fakeProvider{}
	b, _ := newTestBridge(t, provider)

	req := protocol.NewAIConversation("s", protocol.RoleAssistant, "echoed back", nil)
	if ack := b.HandleMessage(context.Background(), "conn-1", req); ack != nil {
		t.Fatalf("assistant message produced ack %v", ack)
	}
	if provider.current != nil {
		t.Error("assistant message must not create a task")
	}
}

func TestTaskMessageFanOut(t *testing.T) {
	task := &fakeTask{id: "task-1"}
	provider := &fakeProvider{current: task}
	b, rec := newTestBridge(t, provider)

	b.RegisterClient("conn-1", "sess-1")
	b.RegisterClient("conn-2", "sess-2")

	task.emit(host.ActionCreated, host.TaskMessage{
		TS: 10, ID: "m1", Kind: host.KindSay, Say: host.SayText, Text: "hello",
	})
	task.emit(host.ActionCreated, host.TaskMessage{
		TS: 11, ID: "m2", Kind: host.KindSay, Say: host.SayError, Text: "boom",
	})
	// Whitespace-only content is dropped.
	task.emit(host.ActionCreated, host.TaskMessage{
		TS: 12, ID: "m3", Kind: host.KindSay, Say: host.SayText, Text: "   ",
	})

	for _, connID := range []string{"conn-1", "conn-2"} {
		msgs := rec.messages(connID)
		if len(msgs) != 2 {
			t.Fatalf("%s got %d messages, want 2", connID, len(msgs))
		}
		if msgs[0].Role() != protocol.RoleAssistant || msgs[0].Content() != "hello" {
			t.Errorf("%s first = %s %q", connID, msgs[0].Role(), msgs[0].Content())
		}
		if msgs[1].Role() != protocol.RoleSystem {
			t.Errorf("%s second role = %s, want system", connID, msgs[1].Role())
		}
	}
}

func TestAskMapsToUserRole(t *testing.T) {
	task := &fakeTask{id: "task-1"}
	provider := &fakeProvider{current: task}
	b, rec := newTestBridge(t, provider)
	b.RegisterClient("conn-1", "s")

	task.emit(host.ActionCreated, host.TaskMessage{
		TS: 1, ID: "m1", Kind: host.KindAsk, Ask: "followup", Text: "which color?",
	})
	msgs := rec.messages("conn-1")
	if len(msgs) != 1 || msgs[0].Role() != protocol.RoleUser {
		t.Fatalf("ask role = %v", msgs)
	}
	if got := metaField(t, msgs[0], "askType"); got != "followup" {
		t.Errorf("askType = %v", got)
	}
}

func TestStreamingStreamIDStable(t *testing.T) {
	task := &fakeTask{id: "task-1"}
	provider := &fakeProvider{current: task}
	b, rec := newTestBridge(t, provider)
	b.RegisterClient("conn-1", "s")

	task.emit(host.ActionCreated, host.TaskMessage{
		TS: 1, ID: "m1", Kind: host.KindSay, Say: host.SayText, Text: "Ech", Partial: true,
	})
	task.emit(host.ActionUpdated, host.TaskMessage{
		TS: 1, ID: "m1", Kind: host.KindSay, Say: host.SayText, Text: "Echo: hi", Partial: true,
	})
	task.emit(host.ActionUpdated, host.TaskMessage{
		TS: 1, ID: "m1", Kind: host.KindSay, Say: host.SayText, Text: "Echo: hi", Partial: false,
	})

	msgs := rec.messages("conn-1")
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	streamID := msgs[0].StreamID
	if streamID == "" {
		t.Fatal("empty streamId")
	}
	for i, m := range msgs {
		if m.StreamID != streamID {
			t.Errorf("message %d streamId = %q, want %q", i, m.StreamID, streamID)
		}
		wantFinal := i == 2
		if m.IsFinal == nil || *m.IsFinal != wantFinal {
			t.Errorf("message %d isFinal = %v, want %v", i, m.IsFinal, wantFinal)
		}
		if m.IsStreaming == nil || *m.IsStreaming == wantFinal {
			t.Errorf("message %d isStreaming = %v", i, m.IsStreaming)
		}
	}
	if msgs[2].Content() != "Echo: hi" {
		t.Errorf("final content = %q", msgs[2].Content())
	}
}

func TestReplayOnRegistration(t *testing.T) {
	task := &fakeTask{
		id: "task-1",
		msgs: []host.TaskMessage{
			{TS: 1, ID: "m1", Kind: host.KindSay, Say: host.SayText, Text: "one"},
			{TS: 2, ID: "m2", Kind: host.KindSay, Say: host.SayText, Text: "two", Partial: true},
		},
	}
	provider := &fakeProvider{current: task}
	b, rec := newTestBridge(t, provider)

	b.RegisterClient("conn-1", "sess-1")

	msgs := rec.messages("conn-1")
	if len(msgs) != 2 {
		t.Fatalf("replayed %d messages, want 2", len(msgs))
	}
	if msgs[0].Content() != "one" || msgs[1].Content() != "two" {
		t.Errorf("replay order wrong: %q, %q", msgs[0].Content(), msgs[1].Content())
	}
	// Mid-stream snapshot keeps the partial flag so the client resumes the
	// same bubble.
	if msgs[1].IsStreaming == nil || !*msgs[1].IsStreaming {
		t.Error("second replayed message lost its streaming flag")
	}

	// Re-registration must not replay again.
	b.RegisterClient("conn-1", "sess-1")
	if got := len(rec.messages("conn-1")); got != 2 {
		t.Errorf("after re-register got %d messages, want 2", got)
	}
}

func TestAskResponsePassThrough(t *testing.T) {
	task := &fakeTask{id: "task-1"}
	provider := &fakeProvider{current: task}
	b, _ := newTestBridge(t, provider)

	req := protocol.NewAskResponse("sess-1", protocol.AskYesButtonClicked, "sure", []string{"img-a"})
	ack := b.HandleMessage(context.Background(), "conn-1", req)
	if ack == nil {
		t.Fatal("expected ack")
	}
	if got := metaField(t, ack, "success"); got != true {
		t.Errorf("success = %v", got)
	}
	if got := metaField(t, ack, "askResponse"); got != "yesButtonClicked" {
		t.Errorf("askResponse = %v", got)
	}

	task.mu.Lock()
	calls := append([]askCall(nil), task.askCalls...)
	task.mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("ask calls = %d", len(calls))
	}
	if calls[0].choice != "yesButtonClicked" || calls[0].text != "sure" {
		t.Errorf("call = %+v", calls[0])
	}
	if len(calls[0].images) != 1 || calls[0].images[0] != "img-a" {
		t.Errorf("images = %v", calls[0].images)
	}
}

func TestAskResponseWithoutTaskStillAcks(t *testing.T) {
	provider := &fakeProvider{}
	b, _ := newTestBridge(t, provider)

	req := protocol.NewAskResponse("s", protocol.AskMessageResponse, "hello", nil)
	ack := b.HandleMessage(context.Background(), "conn-1", req)
	if ack == nil {
		t.Fatal("expected ack even with no current task")
	}
	if got := metaField(t, ack, "success"); got != true {
		t.Errorf("success = %v", got)
	}
}

func TestTriggerSendAndCancel(t *testing.T) {
	provider := &fakeProvider{}
	b, _ := newTestBridge(t, provider)

	ack := b.HandleMessage(context.Background(), "c", protocol.NewTriggerSend("s", protocol.ActionSend))
	if got := metaField(t, ack, "type"); got != "trigger_result" {
		t.Errorf("send ack type = %v", got)
	}
	ack = b.HandleMessage(context.Background(), "c", protocol.NewTriggerSend("s", protocol.ActionCancel))
	if got := metaField(t, ack, "type"); got != "cancel_result" {
		t.Errorf("cancel ack type = %v", got)
	}
	if provider.triggerCalls != 1 || provider.cancelCalls != 1 {
		t.Errorf("calls = %d/%d, want 1/1", provider.triggerCalls, provider.cancelCalls)
	}

	ack = b.HandleMessage(context.Background(), "c", protocol.NewTriggerSend("s", "reboot"))
	if got := metaField(t, ack, "type"); got != "error" {
		t.Errorf("unknown action ack type = %v", got)
	}
}

func TestErrorAckOnHostFailure(t *testing.T) {
	provider := &fakeProvider{createErr: errors.New("engine offline")}
	b, _ := newTestBridge(t, provider)

	req := protocol.NewAIConversation("s", protocol.RoleUser, "try", nil)
	ack := b.HandleMessage(context.Background(), "conn-1", req)
	if ack == nil {
		t.Fatal("expected error ack")
	}
	if got := metaField(t, ack, "type"); got != "error" {
		t.Errorf("ack type = %v", got)
	}
	errText, _ := metaField(t, ack, "error").(string)
	if errText == "" {
		t.Error("missing error detail")
	}
}

func TestFanOutRedactsSensitiveContent(t *testing.T) {
	task := &fakeTask{id: "task-1"}
	provider := &fakeProvider{current: task}
	redactor, err := redact.New([]string{`(?i)token=\S+`})
	if err != nil {
		t.Fatalf("redactor: %v", err)
	}
	b := New(provider, 0, redactor, nil)
	rec := newRecorder()
	b.OnOutbound(rec.deliver)
	b.Start()
	t.Cleanup(b.Stop)

	b.RegisterClient("conn-1", "s")
	task.emit(host.ActionCreated, host.TaskMessage{
		TS: 1, ID: "m1", Kind: host.KindSay, Say: host.SayText, Text: "use token=abc123 here",
	})

	msgs := rec.messages("conn-1")
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Content() != "use [REDACTED] here" {
		t.Errorf("content = %q", msgs[0].Content())
	}
}

func TestCleanupStale(t *testing.T) {
	provider := &fakeProvider{}
	b, _ := newTestBridge(t, provider)

	b.RegisterClient("conn-1", "s1")
	b.RegisterClient("conn-2", "s2")
	b.CleanupStale(map[string]bool{"conn-1": true})

	if b.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1", b.ClientCount())
	}
}

func TestUnregisterStopsFanOut(t *testing.T) {
	task := &fakeTask{id: "task-1"}
	provider := &fakeProvider{current: task}
	b, rec := newTestBridge(t, provider)

	b.RegisterClient("conn-1", "s")
	b.UnregisterClient("conn-1")

	task.emit(host.ActionCreated, host.TaskMessage{
		TS: 1, ID: "m1", Kind: host.KindSay, Say: host.SayText, Text: "gone",
	})
	if got := len(rec.messages("conn-1")); got != 0 {
		t.Errorf("unregistered client got %d messages", got)
	}
}

func TestStopRemovesListeners(t *testing.T) {
	task := &fakeTask{id: "task-1"}
	provider := &fakeProvider{current: task}
	b := New(provider, 0, nil, nil)
	rec := newRecorder()
	b.OnOutbound(rec.deliver)
	b.Start()

	b.RegisterClient("conn-1", "s")
	b.Stop()

	task.emit(host.ActionCreated, host.TaskMessage{
		TS: 1, ID: "m1", Kind: host.KindSay, Say: host.SayText, Text: "late",
	})
	if got := len(rec.messages("conn-1")); got != 0 {
		t.Errorf("stopped bridge delivered %d messages", got)
	}
}
