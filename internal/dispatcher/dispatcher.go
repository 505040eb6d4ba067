// Package dispatcher implements the Dispatcher: the core dialog loop
// that builds prompts, calls the Completion Provider, drives the Tool
// Executor, splices skill bodies into the prompt, and emits lifecycle
// events, spec §4.8.
//
// Grounded on copilot/agent.go's AgentRun.RunWithUsage — the same
// grow-a-message-list-and-loop-until-no-tool-calls shape — restructured
// around the spec's per-session mailbox task instead of a single-shot
// Run call, its unbounded/timeout-driven loop replaced by the spec's
// hard max_tool_iterations_per_turn cap, and its LLMClient/ToolExecutor
// pair replaced by the Provider interface and internal/tools.Executor.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starkcore/starkcore/internal/memory"
	"github.com/starkcore/starkcore/internal/register"
	"github.com/starkcore/starkcore/internal/session"
	"github.com/starkcore/starkcore/internal/skills"
	"github.com/starkcore/starkcore/internal/storage"
	"github.com/starkcore/starkcore/internal/tools"
)

// DefaultMaxToolIterations bounds step 4's loop, spec §4.8
// ("max_tool_iterations_per_turn (default 12)").
const DefaultMaxToolIterations = 12

// DefaultProviderTimeout is the per-call deadline for the Completion
// Provider, spec §5 ("provider 60s").
const DefaultProviderTimeout = 60 * time.Second

// DefaultIdleTaskTimeout is how long a per-session task waits on an
// empty mailbox before exiting; the global supervisor respawns it on the
// next Submit. Keeps goroutine count proportional to active sessions
// rather than to sessions ever seen.
const DefaultIdleTaskTimeout = 10 * time.Minute

// Config holds the Dispatcher's tunables.
type Config struct {
	MaxToolIterations   int
	ProviderTimeout     time.Duration
	RetrieveK           int
	RequireConfirmation bool
	IdleTaskTimeout     time.Duration
	SystemPreamble      string

	// AutoMemoryHook enables the optional post-turn hook that asks the
	// Completion Provider to extract durable facts from a completed
	// turn and writes them as inferred memories. Off by default since
	// it costs one extra provider call per turn.
	AutoMemoryHook bool
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config {
	return Config{
		MaxToolIterations:   DefaultMaxToolIterations,
		ProviderTimeout:     DefaultProviderTimeout,
		RetrieveK:           DefaultRetrieveK,
		RequireConfirmation: true,
		IdleTaskTimeout:     DefaultIdleTaskTimeout,
		SystemPreamble:      "You are starkcore, a self-hosted conversational agent.",
	}
}

// TurnStats summarizes one completed turn's tool usage, wall time, and
// (when the Completion Provider reports it) token usage. Attached to
// the agent.turn_completed event as read-only telemetry, mirroring the
// original implementation's execution/tracker.rs without adopting its
// external reporting contract.
type TurnStats struct {
	ToolCalls        int
	WallTime         time.Duration
	PromptTokens     int
	CompletionTokens int
}

func (ts TurnStats) eventData(sessionID string) map[string]any {
	return map[string]any{
		"session_id":        sessionID,
		"tool_calls":        ts.ToolCalls,
		"wall_time_ms":      ts.WallTime.Milliseconds(),
		"prompt_tokens":     ts.PromptTokens,
		"completion_tokens": ts.CompletionTokens,
	}
}

// Dispatcher owns the shared, read-mostly dependencies every per-session
// task needs. It never touches a session's Managed state directly except
// through session.Manager, per the concurrency model's single-writer
// rule (spec §5).
type Dispatcher struct {
	cfg            Config
	systemPreamble string

	store    storage.Store
	mgr      *session.Manager
	memory   *memory.Subsystem
	tools    *tools.Executor
	registry *tools.Registry
	skills   *skills.Loader
	provider Provider
	events   EventPublisher
	senders  SenderResolver
	policy   tools.Policy
	logger   *slog.Logger

	mu      sync.Mutex
	active  map[string]context.CancelFunc // sessionID -> in-flight turn's cancel func
	running map[string]bool               // sessionID -> a drain goroutine is alive
}

// New builds a Dispatcher. events and senders may be nil-safe zero
// values (NullPublisher{}, a resolver that always returns false) for
// tests that don't need delivery or observability.
func New(cfg Config, store storage.Store, mgr *session.Manager, mem *memory.Subsystem, executor *tools.Executor, registry *tools.Registry, loader *skills.Loader, provider Provider, events EventPublisher, senders SenderResolver, policy tools.Policy, logger *slog.Logger) *Dispatcher {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	if cfg.RetrieveK <= 0 {
		cfg.RetrieveK = DefaultRetrieveK
	}
	if cfg.IdleTaskTimeout <= 0 {
		cfg.IdleTaskTimeout = DefaultIdleTaskTimeout
	}
	if events == nil {
		events = NullPublisher{}
	}
	if senders == nil {
		senders = func(string) (Sender, bool) { return nil, false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:            cfg,
		systemPreamble: cfg.SystemPreamble,
		store:          store,
		mgr:            mgr,
		memory:         mem,
		tools:          executor,
		registry:       registry,
		skills:         loader,
		provider:       provider,
		events:         events,
		senders:        senders,
		policy:         policy,
		logger:         logger.With("component", "dispatcher"),
		active:         make(map[string]context.CancelFunc),
		running:        make(map[string]bool),
	}
}

// Submit enqueues an inbound message onto the session's mailbox and
// ensures a task is draining it. Returns session.ErrMailboxFull when the
// bounded mailbox is at capacity — the caller (Channel Façade) is
// expected to defer per spec §4.8's backpressure rule.
func (d *Dispatcher) Submit(s *session.Managed, msg *storage.Message) error {
	if err := s.Enqueue(msg); err != nil {
		return err
	}
	d.ensureRunning(s)
	return nil
}

// Cancel requests cancellation of a session's in-flight turn, per the
// operator RPC session.cancel or a session reset. In-flight tool calls
// still run to completion; only the calls happening at await points
// (provider call, tool invocation boundary) observe the cancellation.
func (d *Dispatcher) Cancel(sessionID string) bool {
	d.mu.Lock()
	cancel, ok := d.active[sessionID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (d *Dispatcher) ensureRunning(s *session.Managed) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running[s.ID] {
		return
	}
	d.running[s.ID] = true
	go d.drain(s)
}

// drain is the per-session task: one long-lived goroutine reading the
// mailbox in FIFO order, so turns within a session are strictly
// serialised (spec §4.8's concurrency model). It exits after an idle
// period; ensureRunning respawns it on the next Submit.
func (d *Dispatcher) drain(s *session.Managed) {
	base := context.Background()
	timer := time.NewTimer(d.cfg.IdleTaskTimeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-s.Mailbox:
			d.handleTurn(base, s, msg)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(d.cfg.IdleTaskTimeout)
		case <-timer.C:
			d.mu.Lock()
			select {
			case extra := <-s.Mailbox:
				d.mu.Unlock()
				d.handleTurn(base, s, extra)
				timer.Reset(d.cfg.IdleTaskTimeout)
				continue
			default:
				delete(d.running, s.ID)
				d.mu.Unlock()
				return
			}
		}
	}
}

func (d *Dispatcher) setActive(sessionID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.active[sessionID] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) clearActive(sessionID string) {
	d.mu.Lock()
	delete(d.active, sessionID)
	d.mu.Unlock()
}

// handleTurn runs the confirmation pre-parse branch (spec §4.8 step 5's
// "the next inbound message is parsed for /confirm or /cancel before the
// normal prompt path") and otherwise starts an ordinary turn.
func (d *Dispatcher) handleTurn(parent context.Context, s *session.Managed, msg *storage.Message) {
	ctx, cancel := context.WithCancel(parent)
	d.setActive(s.ID, cancel)
	defer func() {
		d.clearActive(s.ID)
		cancel()
	}()

	if pending := s.PendingConfirmation(); pending != nil {
		d.resolveConfirmation(ctx, s, msg, pending)
		return
	}
	d.runTurn(ctx, s, msg)
}

// runTurn implements spec §4.8 steps 1-2 for a fresh user message, then
// hands off to loop for steps 3-4.
func (d *Dispatcher) runTurn(ctx context.Context, s *session.Managed, userMsg *storage.Message) {
	tx, err := d.store.BeginTurn(ctx, s.ID)
	if err != nil {
		d.logger.Error("begin turn", "session", s.ID, "err", err)
		return
	}

	stored, err := d.persistMessage(ctx, tx, s, storage.RoleUser, userMsg.Content, "", nil, nil)
	if err != nil {
		tx.Rollback()
		d.logger.Error("persist user message", "session", s.ID, "err", err)
		return
	}
	if err := tx.SetSessionState(ctx, storage.SessionAwaitingLLM, nil); err != nil {
		tx.Rollback()
		d.logger.Error("mark awaiting_llm", "session", s.ID, "err", err)
		return
	}
	d.mgr.SyncState(s, storage.SessionAwaitingLLM, nil)
	d.mgr.AppendToWindow(ctx, s, stored)
	d.events.Publish(s.ID, "agent.turn_started", map[string]any{"session_id": s.ID})

	d.loop(ctx, tx, s, register.New(), userMsg.Content, nil, &TurnStats{}, time.Now())
}

// loop is spec §4.8 steps 3-4: invoke the provider, branch on the
// response shape, and either finish the turn or feed results back for
// another pass, bounded by MaxToolIterations. The skill index is
// snapshotted once at loop entry rather than re-read every iteration
// (spec §9's "snapshot-at-turn-start" resolution for hot-replaced
// skills): a managed skill swapped mid-turn does not change what this
// turn sees.
func (d *Dispatcher) loop(ctx context.Context, tx storage.Turn, s *session.Managed, reg *register.Register, queryText string, accumulated []ChatMessage, stats *TurnStats, start time.Time) {
	skillIdx := skills.Index(d.skills.Snapshot())
	for iteration := 1; ; iteration++ {
		if iteration > d.cfg.MaxToolIterations {
			d.endWithError(ctx, tx, s, ErrIterationLimit)
			return
		}

		req := d.buildPrompt(ctx, s, reg, queryText, accumulated, skillIdx)
		resp, err := d.callProvider(ctx, req)
		if err != nil {
			d.endWithError(ctx, tx, s, err)
			return
		}
		if resp.Usage != nil {
			stats.PromptTokens += resp.Usage.PromptTokens
			stats.CompletionTokens += resp.Usage.CompletionTokens
		}

		if len(resp.ToolCalls) == 0 {
			if name, args, ok := parseSkillInvocation(resp.Content); ok {
				accumulated = d.spliceSkill(s, name, args, resp.Content, accumulated)
				continue
			}
			d.finishWithText(ctx, tx, s, resp.Content, stats, start)
			return
		}

		if done := d.runToolCalls(ctx, tx, s, reg, resp, &accumulated, stats); done {
			return
		}
	}
}

func (d *Dispatcher) spliceSkill(s *session.Managed, name string, args map[string]any, assistantText string, accumulated []ChatMessage) []ChatMessage {
	sk, ok := d.skills.Get(name)
	if !ok {
		d.logger.Warn("skill invocation for unknown skill", "session", s.ID, "skill", name)
		return append(accumulated, ChatMessage{Role: storage.RoleToolResult, Content: fmt.Sprintf("skill %q is not available", name)})
	}
	d.events.Publish(s.ID, "agent.skill_invoked", map[string]any{"skill": name, "args": args})
	return append(accumulated,
		ChatMessage{Role: storage.RoleAssistant, Content: assistantText},
		ChatMessage{Role: storage.RoleSystem, Content: sk.PromptTemplate},
	)
}

// runToolCalls executes every requested tool call, persists the
// request/result pair for each, and reports whether the turn ended
// (confirmation required or a persistence failure) — false means the
// caller should loop back to step 2.
func (d *Dispatcher) runToolCalls(ctx context.Context, tx storage.Turn, s *session.Managed, reg *register.Register, resp CompletionResponse, accumulated *[]ChatMessage, stats *TurnStats) bool {
	stats.ToolCalls += len(resp.ToolCalls)
	if err := tx.SetSessionState(ctx, storage.SessionRunningTool, nil); err != nil {
		d.logger.Error("mark running_tool", "session", s.ID, "err", err)
		tx.Rollback()
		return true
	}
	d.mgr.SyncState(s, storage.SessionRunningTool, nil)

	*accumulated = append(*accumulated, ChatMessage{Role: storage.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

	sessCtx := tools.SessionContext{SessionID: s.ID, IdentityID: s.IdentityID(), RequireConfirmation: d.cfg.RequireConfirmation}

	for _, tc := range resp.ToolCalls {
		argsJSON, _ := json.Marshal(tc.Arguments)
		if _, err := d.persistMessage(ctx, tx, s, storage.RoleToolRequest, "", tc.Name, argsJSON, nil); err != nil {
			d.logger.Error("persist tool request", "session", s.ID, "tool", tc.Name, "err", err)
			tx.Rollback()
			return true
		}
		d.events.Publish(s.ID, "tool.invoked", map[string]any{"tool": tc.Name})

		result, err := d.tools.Invoke(ctx, tc.Name, tc.Arguments, reg, sessCtx, d.policy)

		if result.ConfirmationRequired {
			if err := tx.SetSessionState(ctx, storage.SessionAwaitingConfirmation, result.PendingDescriptor); err != nil {
				d.logger.Error("mark awaiting_confirmation", "session", s.ID, "err", err)
				tx.Rollback()
				return true
			}
			if err := tx.Commit(ctx); err != nil {
				d.logger.Error("commit confirmation turn", "session", s.ID, "err", err)
				return true
			}
			d.mgr.SyncState(s, storage.SessionAwaitingConfirmation, result.PendingDescriptor)
			d.events.Publish(s.ID, "agent.confirmation_required", map[string]any{"tool": tc.Name})
			d.deliver(ctx, s, fmt.Sprintf("This action (%s) needs your confirmation. Reply /confirm or /cancel.", tc.Name))
			return true
		}

		resultText := result.Text
		errClass := ""
		if err != nil {
			resultText = err.Error()
			errClass = classifyToolError(err)
		}
		resultJSON, _ := json.Marshal(map[string]string{"text": resultText})
		if _, perr := d.persistMessage(ctx, tx, s, storage.RoleToolResult, resultText, tc.Name, nil, resultJSON); perr != nil {
			d.logger.Error("persist tool result", "session", s.ID, "tool", tc.Name, "err", perr)
			tx.Rollback()
			return true
		}
		*accumulated = append(*accumulated, ChatMessage{Role: storage.RoleToolResult, Content: resultText, ToolCallID: tc.ID, ToolName: tc.Name})

		switch {
		case err == nil && !result.Silent:
			d.events.Publish(s.ID, "tool.succeeded", map[string]any{"tool": tc.Name})
		case err != nil:
			d.events.Publish(s.ID, "tool.failed", map[string]any{"tool": tc.Name, "error_class": errClass})
		}
	}
	return false
}

func classifyToolError(err error) string {
	switch {
	case errors.Is(err, tools.ErrToolTimeout):
		return "ToolTimeout"
	case errors.Is(err, tools.ErrPolicyDenied):
		return "PolicyDenied"
	case errors.Is(err, tools.ErrArgumentError):
		return "ArgumentError"
	case errors.Is(err, tools.ErrToolTransient):
		return "ToolTransient"
	case errors.Is(err, tools.ErrNotFound):
		return "NotFound"
	case errors.Is(err, tools.ErrBudgetExceeded):
		return "NetworkBudgetExceeded"
	default:
		return "ToolPermanent"
	}
}

func (d *Dispatcher) finishWithText(ctx context.Context, tx storage.Turn, s *session.Managed, content string, stats *TurnStats, start time.Time) {
	assistantMsg, err := d.persistMessage(ctx, tx, s, storage.RoleAssistant, content, "", nil, nil)
	if err != nil {
		d.logger.Error("persist assistant message", "session", s.ID, "err", err)
		tx.Rollback()
		return
	}
	if err := tx.SetSessionState(ctx, storage.SessionIdle, nil); err != nil {
		d.logger.Error("mark idle", "session", s.ID, "err", err)
		tx.Rollback()
		return
	}
	if err := tx.Commit(ctx); err != nil {
		d.logger.Error("commit turn", "session", s.ID, "err", err)
		return
	}
	d.mgr.SyncState(s, storage.SessionIdle, nil)
	d.mgr.AppendToWindow(ctx, s, assistantMsg)
	d.deliver(ctx, s, content)
	stats.WallTime = time.Since(start)
	d.events.Publish(s.ID, "agent.turn_completed", stats.eventData(s.ID))
	d.runAutoMemoryHook(ctx, s, content)
}

// runAutoMemoryHook asks the Completion Provider to extract durable
// facts from the assistant's reply and writes each one through the
// Memory Subsystem's normal write path, tagged inferred. Grounded on
// the original implementation's hooks/builtin/auto_memory_hook.rs
// (a post-turn hook that summarizes the exchange into memory writes),
// adapted to a single extraction call against the Provider already in
// use rather than a dedicated summarization model.
func (d *Dispatcher) runAutoMemoryHook(ctx context.Context, s *session.Managed, assistantContent string) {
	if !d.cfg.AutoMemoryHook || d.memory == nil {
		return
	}
	req := CompletionRequest{Messages: []ChatMessage{
		{Role: storage.RoleSystem, Content: autoMemoryPrompt},
		{Role: storage.RoleAssistant, Content: assistantContent},
	}}
	resp, err := d.provider.Complete(ctx, req)
	if err != nil {
		d.logger.Debug("auto-memory hook: extraction call failed", "session", s.ID, "err", err)
		return
	}
	for _, fact := range parseAutoMemoryFacts(resp.Content) {
		m := &storage.Memory{
			MemoryType:        storage.MemoryFact,
			Content:           fact,
			Importance:        3,
			IdentityID:        s.IdentityID(),
			SourceType:        storage.SourceInferred,
			SourceChannelType: s.ChannelType,
		}
		if err := d.memory.Create(ctx, m); err != nil {
			d.logger.Warn("auto-memory hook: write failed", "session", s.ID, "err", err)
		}
	}
}

// autoMemoryPrompt is the extraction instruction sent to the Completion
// Provider by runAutoMemoryHook.
const autoMemoryPrompt = `Review the assistant reply below and extract any durable facts about the user worth remembering long-term (preferences, identity details, ongoing tasks). Reply with one fact per line, each prefixed "FACT: ". If nothing is worth remembering, reply with "NONE".`

func parseAutoMemoryFacts(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "FACT:") {
			continue
		}
		if fact := strings.TrimSpace(strings.TrimPrefix(line, "FACT:")); fact != "" {
			out = append(out, fact)
		}
	}
	return out
}

// endWithError implements spec §7's permanent-error propagation policy:
// captured, persisted as an assistant error message, emitted as
// agent.error, turn ends errored, never surfacing internal details.
func (d *Dispatcher) endWithError(ctx context.Context, tx storage.Turn, s *session.Managed, cause error) {
	// cause may be (or wrap) context.Canceled if the turn's own ctx was
	// cancelled mid-flight. Reusing that ctx here would make every
	// *Context store call fail immediately, leaving the session stuck
	// in a non-terminal state and never rolling back tx. Cleanup always
	// runs on a fresh, timeout-bounded context detached from ctx's
	// cancellation instead, so the turn still reaches a terminal state.
	cleanupCtx := ctx
	if errors.Is(cause, context.Canceled) || ctx.Err() != nil {
		var cancel context.CancelFunc
		cleanupCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}

	corrID := uuid.NewString()
	content := fmt.Sprintf("Something went wrong. (ref %s)", corrID)

	if _, err := d.persistMessage(cleanupCtx, tx, s, storage.RoleAssistant, content, "", nil, nil); err != nil {
		d.logger.Error("persist error message", "session", s.ID, "err", err)
	}
	if err := tx.SetSessionState(cleanupCtx, storage.SessionErrored, nil); err != nil {
		d.logger.Error("mark errored", "session", s.ID, "err", err)
	}
	if err := tx.Commit(cleanupCtx); err != nil {
		d.logger.Error("commit errored turn", "session", s.ID, "err", err)
		if rbErr := tx.Rollback(); rbErr != nil {
			d.logger.Error("rollback errored turn", "session", s.ID, "err", rbErr)
		}
	} else {
		d.mgr.SyncState(s, storage.SessionErrored, nil)
	}
	d.logger.Error("turn failed", "session", s.ID, "correlation_id", corrID, "cause", cause)
	d.events.Publish(s.ID, "agent.error", map[string]any{"correlation_id": corrID})
	d.deliver(cleanupCtx, s, content)
}

// resolveConfirmation is spec §4.8 step 5's continuation: /confirm runs
// the pending tool for real, /cancel or anything else aborts it with a
// warning.
func (d *Dispatcher) resolveConfirmation(ctx context.Context, s *session.Managed, msg *storage.Message, pending []byte) {
	switch strings.ToLower(strings.TrimSpace(msg.Content)) {
	case "/confirm":
		d.confirmPending(ctx, s, pending)
	case "/cancel":
		d.abortPending(ctx, s, "cancelled by user")
	default:
		d.abortPending(ctx, s, "a new message was received before the pending action was confirmed")
	}
}

func (d *Dispatcher) confirmPending(ctx context.Context, s *session.Managed, pending []byte) {
	tool, args, err := tools.PendingDescriptor(pending)
	if err != nil {
		d.abortPending(ctx, s, "the pending confirmation could not be read")
		return
	}

	tx, err := d.store.BeginTurn(ctx, s.ID)
	if err != nil {
		d.logger.Error("begin confirmation turn", "session", s.ID, "err", err)
		return
	}
	if err := tx.SetSessionState(ctx, storage.SessionRunningTool, nil); err != nil {
		tx.Rollback()
		return
	}
	d.mgr.SyncState(s, storage.SessionRunningTool, nil)

	reg := register.New()
	sessCtx := tools.SessionContext{SessionID: s.ID, IdentityID: s.IdentityID(), RequireConfirmation: false}
	result, invokeErr := d.tools.Invoke(ctx, tool, args, reg, sessCtx, d.policy)
	resultText := result.Text
	if invokeErr != nil {
		resultText = invokeErr.Error()
	}
	resultJSON, _ := json.Marshal(map[string]string{"text": resultText})
	if _, err := d.persistMessage(ctx, tx, s, storage.RoleToolResult, resultText, tool, nil, resultJSON); err != nil {
		d.logger.Error("persist confirmed tool result", "session", s.ID, "err", err)
		tx.Rollback()
		return
	}
	d.events.Publish(s.ID, "tool.confirmed", map[string]any{"tool": tool})

	accumulated := []ChatMessage{{Role: storage.RoleToolResult, Content: resultText, ToolName: tool}}
	d.loop(ctx, tx, s, reg, fmt.Sprintf("the confirmed action %q completed", tool), accumulated, &TurnStats{}, time.Now())
}

func (d *Dispatcher) abortPending(ctx context.Context, s *session.Managed, reason string) {
	tx, err := d.store.BeginTurn(ctx, s.ID)
	if err != nil {
		d.logger.Error("begin abort turn", "session", s.ID, "err", err)
		return
	}
	content := "Pending action cancelled: " + reason
	if _, err := d.persistMessage(ctx, tx, s, storage.RoleSystem, content, "", nil, nil); err != nil {
		tx.Rollback()
		return
	}
	if err := tx.SetSessionState(ctx, storage.SessionIdle, nil); err != nil {
		tx.Rollback()
		return
	}
	if err := tx.Commit(ctx); err != nil {
		d.logger.Error("commit abort turn", "session", s.ID, "err", err)
		return
	}
	d.mgr.SyncState(s, storage.SessionIdle, nil)
	d.events.Publish(s.ID, "agent.confirmation_cancelled", map[string]any{"reason": reason})
	d.deliver(ctx, s, content)
}

// callProvider retries a transient provider failure up to twice with
// exponential backoff before giving up, spec §4.8 step 3.
func (d *Dispatcher) callProvider(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	backoffs := []time.Duration{250 * time.Millisecond, time.Second}
	var lastErr error

	for attempt := 0; attempt <= len(backoffs); attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.ProviderTimeout)
		resp, err := d.provider.Complete(callCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			// The turn's own context was cancelled (operator/session
			// cancellation), not a provider failure. Surface it as-is so
			// the caller can tell it apart from a permanent provider error
			// and clean up without reusing this cancelled ctx.
			return CompletionResponse{}, context.Canceled
		}

		var transient *TransientError
		if !errors.As(err, &transient) && !errors.Is(err, ErrProviderTransient) {
			return CompletionResponse{}, fmt.Errorf("%w: %v", ErrProviderPermanent, err)
		}
		lastErr = err
		if attempt < len(backoffs) {
			select {
			case <-time.After(backoffs[attempt]):
			case <-ctx.Done():
				return CompletionResponse{}, context.Canceled
			}
		}
	}
	return CompletionResponse{}, fmt.Errorf("%w: %v", ErrProviderPermanent, lastErr)
}

func (d *Dispatcher) deliver(ctx context.Context, s *session.Managed, text string) {
	sender, ok := d.senders(s.ChannelType)
	if !ok {
		d.logger.Warn("no sender registered for channel", "channel", s.ChannelType, "session", s.ID)
		return
	}
	if err := sender.Send(ctx, s.ConversationID, text); err != nil {
		d.logger.Warn("send failed", "session", s.ID, "err", err)
	}
}

func (d *Dispatcher) persistMessage(ctx context.Context, tx storage.Turn, s *session.Managed, role storage.MessageRole, content, toolName string, toolArgs, toolResult []byte) (*storage.Message, error) {
	seq, err := tx.NextSeq(ctx)
	if err != nil {
		return nil, err
	}
	m := &storage.Message{
		SessionID:  s.ID,
		Seq:        seq,
		Role:       role,
		Content:    content,
		ToolName:   toolName,
		ToolArgs:   toolArgs,
		ToolResult: toolResult,
		CreatedAt:  time.Now().UTC(),
	}
	if err := tx.AppendMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}
