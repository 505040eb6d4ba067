package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starkcore/starkcore/internal/memory"
	"github.com/starkcore/starkcore/internal/register"
	"github.com/starkcore/starkcore/internal/session"
	"github.com/starkcore/starkcore/internal/skills"
	"github.com/starkcore/starkcore/internal/storage"
	"github.com/starkcore/starkcore/internal/storage/sqlite"
	"github.com/starkcore/starkcore/internal/tools"
)

// fakeProvider replays a scripted sequence of steps; once exhausted the
// last step repeats, so a test can script "the model always calls a
// tool" without listing one entry per iteration.
type fakeProvider struct {
	mu    sync.Mutex
	calls int
	steps []func(CompletionRequest) (CompletionResponse, error)
}

func (f *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	f.mu.Lock()
	i := f.calls
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	f.calls++
	step := f.steps[i]
	f.mu.Unlock()
	return step(req)
}

func textStep(content string) func(CompletionRequest) (CompletionResponse, error) {
	return func(CompletionRequest) (CompletionResponse, error) {
		return CompletionResponse{Content: content}, nil
	}
}

func toolStep(name string, args map[string]any) func(CompletionRequest) (CompletionResponse, error) {
	return func(CompletionRequest) (CompletionResponse, error) {
		return CompletionResponse{ToolCalls: []ToolCall{{ID: "tc1", Name: name, Arguments: args}}}, nil
	}
}

func errStep(err error) func(CompletionRequest) (CompletionResponse, error) {
	return func(CompletionRequest) (CompletionResponse, error) {
		return CompletionResponse{}, err
	}
}

// fakeSender records every delivered reply.
type fakeSender struct {
	mu  sync.Mutex
	out []string
}

func (f *fakeSender) Send(ctx context.Context, conversationID, text string) error {
	f.mu.Lock()
	f.out = append(f.out, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.out...)
}

type recordedEvent struct {
	sessionID string
	event     string
	data      map[string]any
}

// fakeEvents forwards every Publish call onto a channel so tests can
// wait for a specific lifecycle event instead of sleeping.
type fakeEvents struct {
	ch chan recordedEvent
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{ch: make(chan recordedEvent, 64)}
}

func (f *fakeEvents) Publish(sessionID, event string, data map[string]any) {
	f.ch <- recordedEvent{sessionID: sessionID, event: event, data: data}
}

func waitForEvent(t *testing.T, ch <-chan recordedEvent, name string) recordedEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.event == name {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", name)
		}
	}
}

func echoTool() tools.Tool {
	return tools.Tool{
		Name:            "echo",
		Group:           tools.GroupSystem,
		Description:     "echoes its input argument",
		Schema:          []tools.ArgSpec{{Name: "text", Kind: tools.ArgString}},
		SideEffectClass: tools.PureRead,
		Enabled:         true,
		Handler: func(ctx context.Context, args map[string]any, reg *register.Register) (tools.Result, error) {
			return tools.Result{Text: "echoed"}, nil
		},
	}
}

func dangerTool() tools.Tool {
	return tools.Tool{
		Name:            "danger",
		Group:           tools.GroupSystem,
		Description:     "an irreversible action requiring confirmation",
		SideEffectClass: tools.Irreversible,
		Enabled:         true,
		Handler: func(ctx context.Context, args map[string]any, reg *register.Register) (tools.Result, error) {
			return tools.Result{Text: "done"}, nil
		},
	}
}

type testHarness struct {
	d      *Dispatcher
	store  storage.Store
	mgr    *session.Manager
	events *fakeEvents
	sender *fakeSender
}

func newHarness(t *testing.T, cfg Config, steps ...func(CompletionRequest) (CompletionResponse, error)) *testHarness {
	t.Helper()
	store, err := sqlite.Open(sqlite.Config{Path: ":memory:"}, nil)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mem, err := memory.New(store, memory.NullEmbedder{}, memory.DefaultWeights, nil)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}

	registry := tools.NewRegistry()
	registry.MustRegister(echoTool())
	registry.MustRegister(dangerTool())
	executor := tools.NewExecutor(registry, store, 2, nil)

	loader := skills.NewLoader("", "", "", nil, nil)
	if err := loader.Reload(context.Background()); err != nil {
		t.Fatalf("skills.Reload: %v", err)
	}

	mgr := session.New(store, session.DefaultWindowSize, nil, nil)
	events := newFakeEvents()
	sender := &fakeSender{}
	senders := func(string) (Sender, bool) { return sender, true }

	d := New(cfg, store, mgr, mem, executor, registry, loader, &fakeProvider{steps: steps}, events, senders, tools.Policy{Profile: tools.ProfileFull}, nil)

	return &testHarness{d: d, store: store, mgr: mgr, events: events, sender: sender}
}

func TestPlainTextTurnCompletesEndToEnd(t *testing.T) {
	h := newHarness(t, DefaultConfig(), textStep("hello there"))
	ctx := context.Background()
	s, err := h.mgr.GetOrCreate(ctx, "telegram", "chat-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if err := h.d.Submit(s, &storage.Message{Content: "hi"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForEvent(t, h.events.ch, "agent.turn_started")
	waitForEvent(t, h.events.ch, "agent.turn_completed")

	if got := s.State(); got != storage.SessionIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	transcript := s.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(transcript))
	}
	if transcript[0].Role != storage.RoleUser || transcript[1].Role != storage.RoleAssistant {
		t.Fatalf("unexpected transcript roles: %v / %v", transcript[0].Role, transcript[1].Role)
	}
	if transcript[1].Content != "hello there" {
		t.Fatalf("assistant content = %q", transcript[1].Content)
	}
	if sent := h.sender.sent(); len(sent) != 1 || sent[0] != "hello there" {
		t.Fatalf("sender.sent() = %v", sent)
	}
}

func TestToolCallLoopCompletes(t *testing.T) {
	h := newHarness(t, DefaultConfig(),
		toolStep("echo", map[string]any{"text": "hi"}),
		textStep("done"),
	)
	ctx := context.Background()
	s, err := h.mgr.GetOrCreate(ctx, "telegram", "chat-2")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := h.d.Submit(s, &storage.Message{Content: "run echo"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForEvent(t, h.events.ch, "tool.invoked")
	waitForEvent(t, h.events.ch, "tool.succeeded")
	waitForEvent(t, h.events.ch, "agent.turn_completed")

	// Tool traffic is persisted for audit but is not windowed chat
	// history; only the user message and the final assistant reply land
	// in the transcript.
	transcript := s.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(transcript))
	}
	if transcript[1].Content != "done" {
		t.Fatalf("assistant content = %q", transcript[1].Content)
	}

	audit, err := h.store.ListToolAudit(ctx, s.ID, 10)
	if err != nil {
		t.Fatalf("ListToolAudit: %v", err)
	}
	if len(audit) != 1 || audit[0].ToolName != "echo" || audit[0].Outcome != "ok" {
		t.Fatalf("unexpected audit rows: %+v", audit)
	}
}

func TestIterationLimitEndsTurnErrored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxToolIterations = 2
	h := newHarness(t, cfg, toolStep("echo", map[string]any{"text": "loop"}))
	ctx := context.Background()
	s, err := h.mgr.GetOrCreate(ctx, "telegram", "chat-3")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := h.d.Submit(s, &storage.Message{Content: "loop forever"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForEvent(t, h.events.ch, "agent.error")

	if got := s.State(); got != storage.SessionErrored {
		t.Fatalf("state = %s, want errored", got)
	}
	sent := h.sender.sent()
	if len(sent) != 1 || !strings.Contains(sent[0], "Something went wrong") {
		t.Fatalf("sender.sent() = %v", sent)
	}
}

func TestConfirmationFlowConfirmCompletes(t *testing.T) {
	h := newHarness(t, DefaultConfig(),
		toolStep("danger", map[string]any{}),
		textStep("all set"),
	)
	ctx := context.Background()
	s, err := h.mgr.GetOrCreate(ctx, "telegram", "chat-4")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := h.d.Submit(s, &storage.Message{Content: "do the dangerous thing"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForEvent(t, h.events.ch, "agent.confirmation_required")
	if got := s.State(); got != storage.SessionAwaitingConfirmation {
		t.Fatalf("state = %s, want awaiting_user_confirmation", got)
	}
	if s.PendingConfirmation() == nil {
		t.Fatal("expected a pending confirmation descriptor")
	}

	if err := h.d.Submit(s, &storage.Message{Content: "/confirm"}); err != nil {
		t.Fatalf("Submit /confirm: %v", err)
	}
	waitForEvent(t, h.events.ch, "tool.confirmed")
	waitForEvent(t, h.events.ch, "agent.turn_completed")

	if got := s.State(); got != storage.SessionIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	if s.PendingConfirmation() != nil {
		t.Fatal("expected pending confirmation cleared after /confirm")
	}
	row, err := h.store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row.PendingConfirmation != nil {
		t.Fatalf("persisted pending_confirmation not cleared: %v", row.PendingConfirmation)
	}
}

func TestConfirmationFlowCancelClearsPendingState(t *testing.T) {
	h := newHarness(t, DefaultConfig(), toolStep("danger", map[string]any{}))
	ctx := context.Background()
	s, err := h.mgr.GetOrCreate(ctx, "telegram", "chat-5")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := h.d.Submit(s, &storage.Message{Content: "do the dangerous thing"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForEvent(t, h.events.ch, "agent.confirmation_required")

	if err := h.d.Submit(s, &storage.Message{Content: "/cancel"}); err != nil {
		t.Fatalf("Submit /cancel: %v", err)
	}
	waitForEvent(t, h.events.ch, "agent.confirmation_cancelled")

	if got := s.State(); got != storage.SessionIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	if s.PendingConfirmation() != nil {
		t.Fatal("expected in-memory pending confirmation cleared after /cancel")
	}
	// Regression coverage for storage/sqlite's turn.SetSessionState:
	// assert on the persisted row, not just the in-memory session view,
	// since a nil pending slice must bind as SQL NULL rather than being
	// left untouched or written as an empty blob.
	row, err := h.store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row.PendingConfirmation != nil {
		t.Fatalf("persisted pending_confirmation not cleared: %v", row.PendingConfirmation)
	}
}

func TestConfirmationFlowOtherTextAborts(t *testing.T) {
	h := newHarness(t, DefaultConfig(), toolStep("danger", map[string]any{}))
	ctx := context.Background()
	s, err := h.mgr.GetOrCreate(ctx, "telegram", "chat-6")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := h.d.Submit(s, &storage.Message{Content: "do the dangerous thing"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForEvent(t, h.events.ch, "agent.confirmation_required")

	if err := h.d.Submit(s, &storage.Message{Content: "actually never mind"}); err != nil {
		t.Fatalf("Submit unrelated text: %v", err)
	}
	e := waitForEvent(t, h.events.ch, "agent.confirmation_cancelled")
	if reason, _ := e.data["reason"].(string); !strings.Contains(reason, "before the pending action was confirmed") {
		t.Fatalf("unexpected cancellation reason: %v", reason)
	}
	if got := s.State(); got != storage.SessionIdle {
		t.Fatalf("state = %s, want idle", got)
	}
}

// blockingCancelProvider waits for the call's ctx to be cancelled and
// returns ctx.Err(), simulating a Completion Provider call in flight
// when the caller cancels the turn.
type blockingCancelProvider struct{}

func (blockingCancelProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	<-ctx.Done()
	return CompletionResponse{}, ctx.Err()
}

func TestSessionCancelDuringProviderCallReachesErroredState(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.d.provider = blockingCancelProvider{}
	ctx := context.Background()
	s, err := h.mgr.GetOrCreate(ctx, "telegram", "chat-8")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := h.d.Submit(s, &storage.Message{Content: "hello"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForEvent(t, h.events.ch, "agent.turn_started")
	if !h.d.Cancel(s.ID) {
		t.Fatal("expected Cancel to find an active turn")
	}

	waitForEvent(t, h.events.ch, "agent.error")
	if got := s.State(); got != storage.SessionErrored {
		t.Fatalf("state = %s, want errored", got)
	}
	sent := h.sender.sent()
	if len(sent) != 1 || !strings.Contains(sent[0], "Something went wrong") {
		t.Fatalf("sender.sent() = %v", sent)
	}
	row, err := h.store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row.State != storage.SessionErrored {
		t.Fatalf("persisted state = %s, want errored", row.State)
	}
}

func TestPermanentProviderFailureEndsTurnErrored(t *testing.T) {
	h := newHarness(t, DefaultConfig(), errStep(errors.New("model exploded")))
	ctx := context.Background()
	s, err := h.mgr.GetOrCreate(ctx, "telegram", "chat-7")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := h.d.Submit(s, &storage.Message{Content: "hello"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForEvent(t, h.events.ch, "agent.error")
	if got := s.State(); got != storage.SessionErrored {
		t.Fatalf("state = %s, want errored", got)
	}
	sent := h.sender.sent()
	if len(sent) != 1 || !strings.Contains(sent[0], "Something went wrong") {
		t.Fatalf("sender.sent() = %v", sent)
	}
	if s.PendingConfirmation() != nil {
		t.Fatal("expected no pending confirmation after a provider failure")
	}
}
