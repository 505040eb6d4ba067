package skills

import "testing"

const sampleManifest = `---
name: weather-lookup
version: "1.0.0"
description: Looks up current weather for a city.
requires_tools:
  - web_search
requires_binaries:
  - curl
tags: [weather, utility]
---
Use the web_search tool to find current conditions for {{city}}.
`

func TestParseManifestRoundTrip(t *testing.T) {
	m, warnings, err := ParseManifest(sampleManifest, SourceBundled, "/skills/weather-lookup")
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if m.Name != "weather-lookup" {
		t.Fatalf("Name = %q", m.Name)
	}
	if len(m.RequiredTools) != 1 || m.RequiredTools[0] != "web_search" {
		t.Fatalf("RequiredTools = %v", m.RequiredTools)
	}
	if len(m.RequiredBinaries) != 1 || m.RequiredBinaries[0] != "curl" {
		t.Fatalf("RequiredBinaries = %v", m.RequiredBinaries)
	}
	if m.PromptTemplate == "" {
		t.Fatal("PromptTemplate is empty")
	}
	if m.Source != SourceBundled {
		t.Fatalf("Source = %v", m.Source)
	}
}

func TestParseManifestMissingName(t *testing.T) {
	raw := "---\nversion: \"1.0.0\"\n---\nbody\n"
	if _, _, err := ParseManifest(raw, SourceBundled, "/tmp"); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestParseManifestUnknownKeyWarns(t *testing.T) {
	raw := "---\nname: x\nfoo: bar\n---\nbody\n"
	m, warnings, err := ParseManifest(raw, SourceWorkspace, "/tmp")
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Name != "x" {
		t.Fatalf("Name = %q", m.Name)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
}

func TestParseManifestMissingDelimiters(t *testing.T) {
	if _, _, err := ParseManifest("no front matter here", SourceBundled, "/tmp"); err == nil {
		t.Fatal("expected error for missing --- delimiter")
	}
}
