package skills

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestInstallManagedSwapsAtomically(t *testing.T) {
	managed := filepath.Join(t.TempDir(), "managed")
	if err := os.MkdirAll(managed, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	os.WriteFile(filepath.Join(managed, "stale.txt"), []byte("old"), 0o644)

	archive := buildZip(t, map[string]string{
		"SKILL.md":  "---\nname: new-skill\ndescription: fresh\n---\nbody\n",
		"assets/x.txt": "hello",
	})

	if err := InstallManaged(managed, archive); err != nil {
		t.Fatalf("InstallManaged: %v", err)
	}

	if _, err := os.Stat(filepath.Join(managed, "stale.txt")); !os.IsNotExist(err) {
		t.Fatal("expected old managed contents to be replaced")
	}
	if _, err := os.Stat(filepath.Join(managed, "SKILL.md")); err != nil {
		t.Fatalf("expected SKILL.md in swapped dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(managed, "assets", "x.txt")); err != nil {
		t.Fatalf("expected nested asset in swapped dir: %v", err)
	}
	if _, err := os.Stat(managed + ".old"); !os.IsNotExist(err) {
		t.Fatal("expected staging leftovers to be cleaned up")
	}
}

func TestInstallManagedRejectsPathTraversal(t *testing.T) {
	managed := filepath.Join(t.TempDir(), "managed")
	archive := buildZip(t, map[string]string{
		"SKILL.md":          "---\nname: evil\n---\nbody\n",
		"../../etc/passwd":  "pwned",
	})
	if err := InstallManaged(managed, archive); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestInstallManagedIgnoresNestedManifest(t *testing.T) {
	managed := filepath.Join(t.TempDir(), "managed")
	archive := buildZip(t, map[string]string{
		"SKILL.md":        "---\nname: a\n---\nbody\n",
		"sub/SKILL.md":    "---\nname: b\n---\nbody\n",
	})
	// sub/SKILL.md is not top-level, so only one manifest is counted and
	// the install succeeds.
	if err := InstallManaged(managed, archive); err != nil {
		t.Fatalf("InstallManaged: %v", err)
	}
}

func TestInstallManagedRejectsZeroManifests(t *testing.T) {
	managed := filepath.Join(t.TempDir(), "managed")
	archive := buildZip(t, map[string]string{
		"readme.txt": "no manifest here",
	})
	if err := InstallManaged(managed, archive); err == nil {
		t.Fatal("expected error when archive has no top-level manifest")
	}
}
