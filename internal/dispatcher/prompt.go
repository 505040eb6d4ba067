package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/starkcore/starkcore/internal/register"
	"github.com/starkcore/starkcore/internal/skills"
	"github.com/starkcore/starkcore/internal/storage"
	"github.com/starkcore/starkcore/internal/tools"
)

// DefaultRetrieveK is how many memories the prompt builder asks the
// Memory Subsystem for per turn (spec §4.8 step 2: "relevant memories
// via retrieve(query=user_message, k=K)"); the spec names no default,
// so this follows the same order of magnitude as DefaultWindowSize's
// neighbourhood in the teacher's session/memory packages.
const DefaultRetrieveK = 6

// skillInvocation matches the third assistant-output shape from spec
// §4.8 step 4c: "skill:<name>(args)".
var skillInvocation = regexp.MustCompile(`^skill:([a-zA-Z0-9_-]+)\((.*)\)\s*$`)

// buildPrompt assembles one CompletionRequest: a system message holding
// the preamble, skill index, retrieved memories, and register snapshot,
// then the windowed transcript and the user message, followed by whatever
// tool_request/tool_result/skill-body messages this turn has accumulated
// so far. Grounded on agent.go's buildMessages,
// generalized from a flat history slice to the spec's richer context
// sources.
func (d *Dispatcher) buildPrompt(ctx context.Context, s sessionView, reg *register.Register, userText string, accumulated []ChatMessage, skillIdx []skills.IndexEntry) CompletionRequest {
	var sb strings.Builder
	sb.WriteString(d.systemPreamble)

	if idx := skillIdx; len(idx) > 0 {
		sb.WriteString("\n\nAvailable skills (invoke with skill:<name>(args)):\n")
		for _, e := range idx {
			fmt.Fprintf(&sb, "- %s: %s\n", e.Name, e.Description)
		}
	}

	if d.memory != nil {
		filter := storage.MemoryFilter{IdentityID: s.IdentityID()}
		mems, err := d.memory.Retrieve(ctx, userText, filter, d.cfg.RetrieveK)
		if err != nil {
			d.logger.Warn("dispatcher: memory retrieval failed", "identity", s.IdentityID(), "err", err)
		}
		if len(mems) > 0 {
			sb.WriteString("\nRelevant memories:\n")
			for _, m := range mems {
				fmt.Fprintf(&sb, "- [%s] %s\n", m.MemoryType, m.Content)
			}
		}
	}

	if snap := reg.Snapshot(); len(snap) > 0 {
		sb.WriteString("\nRegister:\n")
		for k, v := range snap {
			fmt.Fprintf(&sb, "- %s: %s\n", k, describeRegisterValue(v))
		}
	}

	messages := make([]ChatMessage, 0, len(s.Transcript())+len(accumulated)+2)
	messages = append(messages, ChatMessage{Role: storage.RoleSystem, Content: sb.String()})
	for _, m := range s.Transcript() {
		messages = append(messages, fromStorageMessage(m))
	}
	messages = append(messages, ChatMessage{Role: storage.RoleUser, Content: userText})
	messages = append(messages, accumulated...)

	return CompletionRequest{
		Messages: messages,
		Tools:    toolSchemas(d.registry.Snapshot(), d.policy, d.registry),
	}
}

// sessionView is the subset of *session.Managed the prompt builder
// needs; declared here so prompt.go and dispatcher_test.go can share a
// fake without importing the session package's concrete type.
type sessionView interface {
	Transcript() []*storage.Message
	IdentityID() string
}

func describeRegisterValue(v register.Value) string {
	switch v.Kind {
	case register.KindAddress:
		return v.Address
	case register.KindRawInteger:
		return v.Raw
	case register.KindTokenRef:
		return fmt.Sprintf("%s (%s, %d decimals)", v.Token.Symbol, v.Token.Address, v.Token.Decimals)
	case register.KindBytes:
		return fmt.Sprintf("%d bytes", len(v.Bytes))
	case register.KindJSON:
		return string(v.JSON)
	default:
		return fmt.Sprintf("%v", v.Decoded)
	}
}

func fromStorageMessage(m *storage.Message) ChatMessage {
	cm := ChatMessage{Role: m.Role, Content: m.Content}
	if m.Role == storage.RoleToolResult {
		cm.ToolName = m.ToolName
	}
	return cm
}

// toolSchemas converts the tool catalogue into the provider-facing
// schema list, filtered by the policy in effect — mirroring agent.go's
// ProfileChecker filtering pass in RunWithUsage, restructured around
// tools.Policy.Allowed rather than a separate allow/deny checker.
func toolSchemas(all []tools.Tool, policy tools.Policy, reg *tools.Registry) []ToolSchema {
	out := make([]ToolSchema, 0, len(all))
	for _, t := range all {
		if !t.Enabled || !policy.Allowed(t.Name, reg) {
			continue
		}
		params := make([]ToolParam, 0, len(t.Schema))
		for _, a := range t.Schema {
			params = append(params, ToolParam{Name: a.Name, Kind: string(a.Kind), Required: a.Required})
		}
		out = append(out, ToolSchema{Name: t.Name, Description: t.Description, Params: params})
	}
	return out
}

// parseSkillInvocation recognises the "skill:<name>(args)" assistant
// output shape (spec §4.8 step 4c). args is parsed as a JSON object when
// possible, else passed through as a single "input" argument.
func parseSkillInvocation(content string) (name string, args map[string]any, ok bool) {
	m := skillInvocation.FindStringSubmatch(strings.TrimSpace(content))
	if m == nil {
		return "", nil, false
	}
	name = m[1]
	raw := strings.TrimSpace(m[2])
	if raw == "" {
		return name, map[string]any{}, true
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		return name, decoded, true
	}
	return name, map[string]any{"input": raw}, true
}
