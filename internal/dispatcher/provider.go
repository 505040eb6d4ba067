package dispatcher

import (
	"context"
	"errors"

	"github.com/starkcore/starkcore/internal/storage"
)

// Error kinds surfaced at the provider boundary, matching spec §7's
// ProviderTransient/ProviderPermanent taxonomy.
var (
	ErrProviderTransient = errors.New("dispatcher: provider transient failure")
	ErrProviderPermanent = errors.New("dispatcher: provider permanent failure")
	ErrIterationLimit    = errors.New("dispatcher: max_tool_iterations_per_turn exceeded")
)

// TransientError marks a Provider error as retryable, mirroring
// tools.TransientError's wrap-to-retry convention.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// ChatMessage is the wire shape exchanged with a Completion Provider,
// trimmed from the teacher's chatMessage (agent.go) to the roles and
// fields the dispatcher's turn loop actually produces.
type ChatMessage struct {
	Role       storage.MessageRole
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// ToolCall is one function-call the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolParam describes one argument of a ToolSchema, generalized from
// tools.ArgSpec into the provider-facing shape (no Default — providers
// only need name/type/required to build a function-calling schema).
type ToolParam struct {
	Name     string
	Kind     string
	Required bool
}

// ToolSchema is a tool definition offered to the model for this turn.
type ToolSchema struct {
	Name        string
	Description string
	Params      []ToolParam
}

// CompletionRequest is one call to the Completion Provider.
type CompletionRequest struct {
	Messages []ChatMessage
	Tools    []ToolSchema
}

// CompletionResponse is the model's reply: plain text, tool calls, or
// both (models may emit reasoning text alongside a tool call).
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCall
	// Usage is nil when the provider doesn't report token counts (the
	// stub provider, most self-hosted gateways without the optional
	// usage block). TurnStats treats a nil Usage as zero tokens rather
	// than an error.
	Usage *Usage
}

// Usage is the token accounting an OpenAI-compatible endpoint reports
// alongside a completion, when it reports one at all.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Provider is the Completion Provider contract (spec §4.8 step 3).
// Defined at the consumer (dispatcher) rather than in internal/provider
// so that package can implement it without an import cycle back here.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}
