package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/starkcore/starkcore/internal/register"
	"github.com/starkcore/starkcore/internal/storage"
)

// Error kinds surfaced by Invoke, matching spec §7's tool-boundary
// error taxonomy.
var (
	ErrArgumentError = errors.New("tools: argument error")
	ErrPolicyDenied  = errors.New("tools: policy denied")
	ErrToolTimeout   = errors.New("tools: timeout")
	ErrToolTransient = errors.New("tools: transient failure")
	ErrToolPermanent = errors.New("tools: permanent failure")
	ErrNotFound      = errors.New("tools: not found")
)

// TransientError wraps a handler error to mark it retryable (e.g. an
// HTTP 5xx from a network tool). Handlers that want the executor's
// retry-with-backoff behavior return this instead of a bare error.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// SessionContext is the subset of session state an invocation needs:
// the identity to attribute the call to, and the policy in effect for
// this session's confirmation requirement.
type SessionContext struct {
	SessionID           string
	IdentityID          string
	RequireConfirmation bool
}

// Executor validates, times out, retries, and audits every tool call.
// Grounded on tool_executor.go's executeSingle: guard check, then
// confirmation-required short-circuit for irreversible tools, then
// timeout-bounded execution with per-tool overrides.
type Executor struct {
	registry *Registry
	store    storage.Store
	logger   *slog.Logger
	workers  chan struct{} // bounded worker pool for blocking tool work

	networkBudget *NetworkBudget
}

// NewExecutor builds an Executor backed by reg for tool lookup and store
// for audit persistence. poolSize follows the concurrency model's
// "shared worker pool (default = CPU count × 2)" sizing.
func NewExecutor(reg *Registry, store storage.Store, poolSize int, logger *slog.Logger) *Executor {
	if poolSize <= 0 {
		poolSize = runtime.NumCPU() * 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: reg,
		store:    store,
		logger:   logger.With("component", "tools.executor"),
		workers:  make(chan struct{}, poolSize),
	}
}

// WithNetworkBudget attaches a NetworkBudget guard, metering every
// side_effect_class=network tool call before it runs. Nil-safe: an
// Executor with no budget attached (the default returned by
// NewExecutor) never meters.
func (e *Executor) WithNetworkBudget(b *NetworkBudget) *Executor {
	e.networkBudget = b
	return e
}

// Invoke runs one tool call end to end: policy check, argument
// validation, confirmation gate, timeout-bounded execution with
// transient retry, and an unconditional audit row.
func (e *Executor) Invoke(ctx context.Context, name string, args map[string]any, reg *register.Register, sess SessionContext, policy Policy) (Result, error) {
	start := time.Now()
	argsHash := hashArgs(args)

	t, ok := e.registry.Get(name)
	if !ok || !t.Enabled {
		e.audit(ctx, sess.SessionID, name, argsHash, start, "denied", "not_found", 0)
		return Result{}, fmt.Errorf("tool %q: %w", name, ErrNotFound)
	}
	if !policy.Allowed(name, e.registry) {
		e.audit(ctx, sess.SessionID, name, argsHash, start, "denied", "policy", 0)
		return Result{}, fmt.Errorf("tool %q: %w", name, ErrPolicyDenied)
	}
	if err := validateArgs(t.Schema, args); err != nil {
		e.audit(ctx, sess.SessionID, name, argsHash, start, "error", "argument", 0)
		return Result{}, fmt.Errorf("tool %q: %w: %v", name, ErrArgumentError, err)
	}

	var costUnits int64
	if t.SideEffectClass == Network && e.networkBudget != nil {
		c, err := e.networkBudget.Meter(ctx, sess.SessionID, name, args)
		costUnits = c
		if err != nil {
			e.audit(ctx, sess.SessionID, name, argsHash, start, "denied", "NetworkBudgetExceeded", costUnits)
			return Result{}, err
		}
	}

	if t.SideEffectClass == Irreversible && sess.RequireConfirmation {
		descriptor, err := json.Marshal(pendingDescriptor{Tool: name, Args: args, SessionID: sess.SessionID})
		if err != nil {
			return Result{}, fmt.Errorf("tool %q: encode pending descriptor: %w", name, err)
		}
		e.audit(ctx, sess.SessionID, name, argsHash, start, "confirmation_required", "", costUnits)
		return Result{ConfirmationRequired: true, PendingDescriptor: descriptor}, nil
	}

	result, err := e.runWithRetry(ctx, t, args, reg)
	outcome, errClass := classifyOutcome(err)
	e.audit(ctx, sess.SessionID, name, argsHash, start, outcome, errClass, costUnits)
	return result, err
}

type pendingDescriptor struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	SessionID string         `json:"session_id"`
}

// PendingDescriptor decodes a stored confirmation descriptor.
func PendingDescriptor(b []byte) (tool string, args map[string]any, err error) {
	var d pendingDescriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return "", nil, err
	}
	return d.Tool, d.Args, nil
}

func (e *Executor) runWithRetry(ctx context.Context, t Tool, args map[string]any, reg *register.Register) (Result, error) {
	backoffs := []time.Duration{250 * time.Millisecond, time.Second}
	var lastErr error

	for attempt := 0; attempt <= len(backoffs); attempt++ {
		select {
		case e.workers <- struct{}{}:
		case <-ctx.Done():
			return Result{}, fmt.Errorf("tool %q: %w", t.Name, ErrToolTimeout)
		}

		timeoutBase := ctx
		if t.SideEffectClass == Irreversible {
			// Once started, an irreversible call (e.g. broadcast_web3_tx)
			// must run to completion even if the caller's turn/session is
			// cancelled: spec §5 requires irreversible tools to finish.
			timeoutBase = context.WithoutCancel(ctx)
		}
		callCtx, cancel := context.WithTimeout(timeoutBase, t.Timeout)
		result, err := t.Handler(callCtx, args, reg)
		cancel()
		<-e.workers

		if err == nil {
			return result, nil
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("tool %q: %w", t.Name, ErrToolTimeout)
		}

		var transient *TransientError
		if !errors.As(err, &transient) {
			return Result{}, fmt.Errorf("tool %q: %w: %v", t.Name, ErrToolPermanent, err)
		}
		lastErr = err
		if attempt < len(backoffs) {
			select {
			case <-time.After(backoffs[attempt]):
			case <-ctx.Done():
				return Result{}, fmt.Errorf("tool %q: %w", t.Name, ErrToolTimeout)
			}
		}
	}
	return Result{}, fmt.Errorf("tool %q: %w: %v", t.Name, ErrToolTransient, lastErr)
}

func validateArgs(schema []ArgSpec, args map[string]any) error {
	for _, spec := range schema {
		v, present := args[spec.Name]
		if !present {
			if spec.Required {
				return fmt.Errorf("missing required argument %q", spec.Name)
			}
			if spec.Default != nil {
				args[spec.Name] = spec.Default
			}
			continue
		}
		if !kindMatches(spec.Kind, v) {
			return fmt.Errorf("argument %q: expected %s", spec.Name, spec.Kind)
		}
	}
	return nil
}

func kindMatches(kind ArgKind, v any) bool {
	switch kind {
	case ArgString:
		_, ok := v.(string)
		return ok
	case ArgNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case ArgBool:
		_, ok := v.(bool)
		return ok
	case ArgObject:
		_, ok := v.(map[string]any)
		return ok
	case ArgArray:
		_, ok := v.([]any)
		return ok
	default:
		return true
	}
}

func classifyOutcome(err error) (outcome, class string) {
	switch {
	case err == nil:
		return "ok", ""
	case errors.Is(err, ErrToolTimeout):
		return "timeout", "ToolTimeout"
	case errors.Is(err, ErrPolicyDenied):
		return "denied", "PolicyDenied"
	case errors.Is(err, ErrArgumentError):
		return "error", "ArgumentError"
	case errors.Is(err, ErrToolTransient):
		return "error", "ToolTransient"
	default:
		return "error", "ToolPermanent"
	}
}

func hashArgs(args map[string]any) string {
	b, _ := json.Marshal(args)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (e *Executor) audit(ctx context.Context, sessionID, tool, argsHash string, start time.Time, outcome, errClass string, costUnits int64) {
	row := &storage.ToolAuditRow{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ToolName:   tool,
		ArgsHash:   argsHash,
		DurationMS: time.Since(start).Milliseconds(),
		Outcome:    outcome,
		ErrorClass: errClass,
		CostUnits:  costUnits,
		CreatedAt:  time.Now(),
	}
	if err := e.store.AppendToolAudit(ctx, row); err != nil {
		e.logger.Warn("audit write failed", "tool", tool, "err", err)
	}
}
