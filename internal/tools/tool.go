// Package tools implements the Tool Registry & Executor: the catalogue
// of built-in tools grouped by capability, the operator policy that
// decides which tools a session may invoke, and the invocation pipeline
// that validates arguments, enforces timeouts, retries transient network
// failures, and writes an audit row for every call.
//
// Grounded on the teacher's tool_guard.go (policy precedence),
// tool_profiles.go (profile/group/wildcard expansion), and
// tool_executor.go (the executeSingle timeout/confirmation pipeline).
package tools

import (
	"context"
	"time"

	"github.com/starkcore/starkcore/internal/register"
)

// Group is the capability grouping a Tool belongs to.
type Group string

const (
	GroupWeb        Group = "web"
	GroupFilesystem Group = "filesystem"
	GroupExec       Group = "exec"
	GroupMessaging  Group = "messaging"
	GroupSystem     Group = "system"
	GroupWeb3       Group = "web3"
	GroupMemory     Group = "memory"
)

// SideEffectClass tags how disruptive invoking a tool is, which drives
// the confirmation-required flow for irreversible tools.
type SideEffectClass string

const (
	PureRead    SideEffectClass = "pure_read"
	LocalWrite  SideEffectClass = "local_write"
	Network     SideEffectClass = "network"
	Irreversible SideEffectClass = "irreversible"
)

// ArgKind is the structural type tag for one argument-schema field.
type ArgKind string

const (
	ArgString  ArgKind = "string"
	ArgNumber  ArgKind = "number"
	ArgBool    ArgKind = "bool"
	ArgObject  ArgKind = "object"
	ArgArray   ArgKind = "array"
)

// ArgSpec is one field of a Tool's argument schema: name, type tag,
// required flag, and default value. The executor validates a raw
// argument map into a tagged variant before dispatching — the teacher's
// tools use ad-hoc reflection over map[string]any; starkcore's Design
// Note resolution for "dynamic per-tool argument shapes" (spec §9)
// replaces that with this explicit schema walk.
type ArgSpec struct {
	Name     string
	Kind     ArgKind
	Required bool
	Default  any
}

// Handler executes one tool invocation. ctx carries the invocation
// deadline; args has already been validated against Schema. reg is the
// current turn's Register Context, mutable by the handler.
type Handler func(ctx context.Context, args map[string]any, reg *register.Register) (Result, error)

// Tool is a statically registered capability.
type Tool struct {
	Name            string
	Group           Group
	Description     string
	Schema          []ArgSpec
	Timeout         time.Duration
	SideEffectClass SideEffectClass
	Enabled         bool
	Handler         Handler
}

// Result is what a tool invocation returns to the dispatcher.
type Result struct {
	// Text is the content surfaced to the LLM as the tool_result message.
	Text string
	// Silent suppresses emitting a tool.execution event visible to chat
	// observers beyond the audit trail (used for register-only bookkeeping
	// tools like set_address).
	Silent bool
	// ConfirmationRequired is set instead of executing an irreversible
	// tool's effect; the dispatcher transitions the session to
	// awaiting_user_confirmation and stores PendingDescriptor.
	ConfirmationRequired bool
	PendingDescriptor    []byte
}
