package tools

// Profile is a named preset of allow/deny groups, following the
// teacher's tool_profiles.go BuiltInProfiles shape but restricted to
// the spec's fixed profile set (spec §4.3): none, minimal, standard,
// messaging, full, custom.
type Profile string

const (
	ProfileNone      Profile = "none"
	ProfileMinimal   Profile = "minimal"
	ProfileStandard  Profile = "standard"
	ProfileMessaging Profile = "messaging"
	ProfileFull      Profile = "full"
	ProfileCustom    Profile = "custom"
)

func builtinAllowedGroups(p Profile) []Group {
	switch p {
	case ProfileNone:
		return nil
	case ProfileMinimal:
		return []Group{GroupWeb}
	case ProfileStandard:
		return []Group{GroupWeb, GroupFilesystem}
	case ProfileMessaging:
		return []Group{GroupWeb, GroupFilesystem, GroupMessaging}
	case ProfileFull:
		return []Group{GroupWeb, GroupFilesystem, GroupExec, GroupMessaging, GroupSystem, GroupWeb3, GroupMemory}
	default:
		return nil
	}
}

// Policy is the tuple (profile, allow_list, deny_list, allowed_groups,
// denied_groups) that governs which tools a session may invoke.
// Precedence, high to low: deny_list, allow_list, denied_groups,
// allowed_groups/profile — exactly the order tool_guard.go's guard
// check applies, generalized from the teacher's single ToolGuardConfig
// to the spec's five-part policy tuple.
type Policy struct {
	Profile       Profile
	AllowList     []string
	DenyList      []string
	AllowedGroups []Group
	DeniedGroups  []Group
}

// DefaultPolicy is the "standard" profile with no explicit overrides.
func DefaultPolicy() Policy {
	return Policy{Profile: ProfileStandard}
}

// Allowed decides whether name may be invoked under p, given the full
// tool catalogue (needed to resolve group membership).
func (p Policy) Allowed(name string, reg *Registry) bool {
	t, ok := reg.Get(name)
	if !ok {
		return false
	}
	all := reg.Snapshot()
	groups := groupIndex(all)

	if matchesAny(name, expandAll(p.DenyList, all, groups)) {
		return false
	}
	if matchesAny(name, expandAll(p.AllowList, all, groups)) {
		return true
	}
	for _, g := range p.DeniedGroups {
		if g == t.Group {
			return false
		}
	}
	if p.Profile == ProfileCustom {
		for _, g := range p.AllowedGroups {
			if g == t.Group {
				return true
			}
		}
		return false
	}
	for _, g := range builtinAllowedGroups(p.Profile) {
		if g == t.Group {
			return true
		}
	}
	return false
}

func groupIndex(all []Tool) map[Group][]string {
	idx := make(map[Group][]string)
	for _, t := range all {
		idx[t.Group] = append(idx[t.Group], t.Name)
	}
	return idx
}

func expandAll(items []string, all []Tool, groups map[Group][]string) map[string]bool {
	out := make(map[string]bool)
	for _, item := range items {
		for _, name := range expandItem(item, all, groups) {
			out[name] = true
		}
	}
	return out
}

func matchesAny(name string, set map[string]bool) bool {
	return set[name]
}
