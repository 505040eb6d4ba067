package skills

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// frontmatter is the manifest's typed shape (spec §6, spec §9's
// "Skill front-matter as loosely-typed maps" resolution: parse into a
// closed struct, warn on unknown keys instead of exposing a raw map).
type frontmatter struct {
	Name              string   `yaml:"name" toml:"name"`
	Version           string   `yaml:"version" toml:"version"`
	Description       string   `yaml:"description" toml:"description"`
	Author            string   `yaml:"author" toml:"author"`
	Homepage          string   `yaml:"homepage" toml:"homepage"`
	Tags              []string `yaml:"tags" toml:"tags"`
	RequiresTools     []string `yaml:"requires_tools" toml:"requires_tools"`
	RequiresBinaries  []string `yaml:"requires_binaries" toml:"requires_binaries"`
	Metadata          map[string]any `yaml:"metadata" toml:"metadata"`
}

// ParseManifest splits a "---"-delimited front-matter block from its
// trailing body, following clawdhub_loader.go's parseFrontmatter, but
// unmarshalling with gopkg.in/yaml.v3 (the teacher's own dependency)
// instead of clawdhub's hand-rolled line scanner, since the spec's
// manifest format is now real YAML, not a restricted key:value subset.
func ParseManifest(raw string, source Source, dir string) (Manifest, []string, error) {
	var warnings []string

	trimmed := strings.TrimLeft(raw, "\n")
	if !strings.HasPrefix(trimmed, "---") {
		return Manifest{}, nil, fmt.Errorf("skills: manifest missing leading --- delimiter")
	}
	rest := trimmed[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return Manifest{}, nil, fmt.Errorf("skills: manifest missing closing --- delimiter")
	}
	fmBlock := rest[:end]
	body := strings.TrimLeft(rest[end+4:], "\n")

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(fmBlock), &fm); err != nil {
		return Manifest{}, nil, fmt.Errorf("skills: parse front-matter: %w", err)
	}
	if fm.Name == "" {
		return Manifest{}, nil, fmt.Errorf("skills: manifest missing required field 'name'")
	}

	knownKeys := map[string]bool{
		"name": true, "version": true, "description": true, "author": true,
		"homepage": true, "tags": true, "requires_tools": true, "requires_binaries": true, "metadata": true,
	}
	var rawKeys map[string]any
	if err := yaml.Unmarshal([]byte(fmBlock), &rawKeys); err == nil {
		for k := range rawKeys {
			if !knownKeys[k] {
				warnings = append(warnings, fmt.Sprintf("skills: %s: unrecognised front-matter key %q", fm.Name, k))
			}
		}
	}

	m := Manifest{
		Name:             fm.Name,
		Version:          fm.Version,
		Description:      fm.Description,
		Author:           fm.Author,
		Homepage:         fm.Homepage,
		Tags:             fm.Tags,
		RequiredTools:    fm.RequiresTools,
		RequiredBinaries: fm.RequiresBinaries,
		PromptTemplate:   body,
		Source:           source,
		Enabled:          true,
		Dir:              dir,
	}
	return m, warnings, nil
}
