package skills

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeSkillFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoaderWorkspaceShadowsManaged(t *testing.T) {
	bundled := t.TempDir()
	managed := t.TempDir()
	workspace := t.TempDir()

	writeSkillFile(t, managed, "notes.md", "---\nname: notes\ndescription: managed version\n---\nbody\n")
	writeSkillFile(t, workspace, "notes.md", "---\nname: notes\ndescription: workspace version\n---\nbody\n")

	loader := NewLoader(bundled, managed, workspace, func(string) bool { return true }, nil)
	if err := loader.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	got, ok := loader.Get("notes")
	if !ok {
		t.Fatal("expected notes skill to resolve")
	}
	if got.Source != SourceWorkspace {
		t.Fatalf("expected workspace to win, got %v", got.Source)
	}
	if got.Description != "workspace version" {
		t.Fatalf("Description = %q", got.Description)
	}

	if len(loader.Warnings()) == 0 {
		t.Fatal("expected a shadowing warning")
	}
}

func TestLoaderMissingToolsAndBinaries(t *testing.T) {
	bundled := t.TempDir()
	writeSkillFile(t, bundled, "needs-thing.md",
		"---\nname: needs-thing\nrequires_tools: [nonexistent_tool]\nrequires_binaries: [nonexistent_binary_xyz]\n---\nbody\n")

	loader := NewLoader(bundled, "", "", func(string) bool { return false }, nil)
	if err := loader.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	got, ok := loader.Get("needs-thing")
	if !ok {
		t.Fatal("expected needs-thing to be scanned even though unresolvable")
	}
	if got.Resolvable {
		t.Fatal("expected Resolvable = false")
	}
	if len(got.MissingTools) != 1 || got.MissingTools[0] != "nonexistent_tool" {
		t.Fatalf("MissingTools = %v", got.MissingTools)
	}
	if len(got.MissingBinary) != 1 {
		t.Fatalf("MissingBinary = %v", got.MissingBinary)
	}
}

func TestLoaderDirectoryStyleManifest(t *testing.T) {
	bundled := t.TempDir()
	skillDir := filepath.Join(bundled, "greeter")
	writeSkillFile(t, skillDir, "SKILL.md", "---\nname: greeter\ndescription: says hi\n---\nSay hi to {{user}}.\n")

	loader := NewLoader(bundled, "", "", func(string) bool { return true }, nil)
	if err := loader.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	got, ok := loader.Get("greeter")
	if !ok {
		t.Fatal("expected greeter to resolve")
	}
	if !got.Resolvable {
		t.Fatalf("expected resolvable, missing=%v/%v", got.MissingTools, got.MissingBinary)
	}
}

func TestIndexExcludesUnresolvable(t *testing.T) {
	resolved := []ResolvedSkill{
		{Manifest: Manifest{Name: "a", Description: "a desc", Enabled: true}, Resolvable: true},
		{Manifest: Manifest{Name: "b", Description: "b desc", Enabled: true}, Resolvable: false},
		{Manifest: Manifest{Name: "c", Description: "c desc", Enabled: false}, Resolvable: true},
	}
	idx := Index(resolved)
	if len(idx) != 1 || idx[0].Name != "a" {
		t.Fatalf("Index = %v", idx)
	}
}
