// Package skills implements the Skill Loader: parses skill manifests
// (YAML front-matter plus a Markdown body), validates required tools
// and binaries, watches filesystem sources for changes, and exposes a
// skill index for the dispatcher's prompt builder.
//
// Grounded on the teacher's skills package: skill.go's Skill/Metadata
// shape and clawdhub_loader.go's front-matter parsing, generalized from
// ClawdHub's SKILL.md-in-a-directory convention to the spec's flatter
// "---"-delimited manifest with a free-text body (spec §6).
package skills

import "time"

// Source identifies which of the three priority tiers a skill manifest
// came from.
type Source string

const (
	SourceBundled   Source = "bundled"
	SourceManaged   Source = "managed"
	SourceWorkspace Source = "workspace"
)

// sourcePriority ranks tiers so higher wins on name collision, per
// spec §4.4 ("bundled, managed, workspace" scanned in priority order —
// the loader's own resolution of Open Question 2 keeps workspace as
// the highest-priority override tier, matching a developer's expectation
// that local edits always win over what shipped or was uploaded).
var sourcePriority = map[Source]int{
	SourceBundled:   0,
	SourceManaged:   1,
	SourceWorkspace: 2,
}

// Manifest is a parsed skill definition.
type Manifest struct {
	Name             string
	Version          string
	Description      string
	Author           string
	Homepage         string
	Tags             []string
	RequiredTools    []string
	RequiredBinaries []string
	PromptTemplate   string // body used when the skill is invoked
	Source           Source
	Enabled          bool
	Dir              string
}

// ResolvedSkill is a Manifest plus the loader's computed resolvability.
type ResolvedSkill struct {
	Manifest
	Resolvable    bool
	MissingTools  []string
	MissingBinary []string
	Shadowed      bool // true if a higher-priority source has the same name
	LoadedAt      time.Time
}

// IndexEntry is the compact form injected into the system prompt so the
// LLM can announce skill:<name> invocations.
type IndexEntry struct {
	Name        string
	Description string
}

// Index returns the prompt-ready list of resolvable, enabled skills.
func Index(resolved []ResolvedSkill) []IndexEntry {
	var out []IndexEntry
	for _, r := range resolved {
		if !r.Resolvable || !r.Enabled || r.Shadowed {
			continue
		}
		out = append(out, IndexEntry{Name: r.Name, Description: r.Description})
	}
	return out
}
