package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// Registry is the boot-time catalogue of every built-in tool, grouped by
// capability. It is populated once at startup and read concurrently
// thereafter through a copy-on-update snapshot, matching the
// concurrency model's "Tool Registry exposes copy-on-update snapshots"
// requirement (spec §5).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// MustRegister panics on a duplicate tool name; used at boot for
// built-ins where a collision is a programming error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Register adds a tool to the catalogue.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tools: %q already registered", t.Name)
	}
	if t.Timeout == 0 {
		t.Timeout = defaultTimeoutFor(t.Group)
	}
	r.tools[t.Name] = t
	return nil
}

// Replace overwrites an already-registered tool's definition, e.g. to
// swap a builtin's handler for one wired to a runtime dependency built
// after RegisterBuiltins (the sandbox Runner, most notably).
func (r *Registry) Replace(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Timeout == 0 {
		t.Timeout = defaultTimeoutFor(t.Group)
	}
	r.tools[t.Name] = t
}

// Get returns the named tool and whether it exists.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Snapshot returns every registered tool, sorted by name, for glob/group
// expansion and for the prompt's tool listing.
func (r *Registry) Snapshot() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByGroup returns every tool name in a capability group.
func (r *Registry) ByGroup(g Group) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, t := range r.tools {
		if t.Group == g {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func defaultTimeoutFor(g Group) time.Duration {
	switch g {
	case GroupExec:
		return 2 * time.Minute
	case GroupWeb, GroupWeb3:
		return 30 * time.Second
	default:
		return 10 * time.Second
	}
}

// expandItem expands one profile allow/deny entry ("*", "group:x",
// "prefix_*", or a bare tool name) into concrete tool names, following
// the teacher's ExpandProfileList wildcard/group semantics but using
// github.com/gobwas/glob for the wildcard match instead of a manual
// strings.HasPrefix loop, since starkcore's DOMAIN STACK wires glob in
// for exactly this generalization (arbitrary glob patterns, not just a
// trailing "*").
func expandItem(item string, all []Tool, groups map[Group][]string) []string {
	if item == "*" {
		names := make([]string, len(all))
		for i, t := range all {
			names[i] = t.Name
		}
		return names
	}
	if strings.HasPrefix(item, "group:") {
		g := Group(strings.TrimPrefix(item, "group:"))
		return groups[g]
	}
	if strings.ContainsAny(item, "*?[") {
		g, err := glob.Compile(item)
		if err != nil {
			return nil
		}
		var out []string
		for _, t := range all {
			if g.Match(t.Name) {
				out = append(out, t.Name)
			}
		}
		return out
	}
	return []string{item}
}
