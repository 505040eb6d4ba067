package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ToolResolver reports whether a named tool exists and is enabled, so
// the loader can validate required_tools without importing
// internal/tools directly (that package does not depend on skills,
// but keeping the dependency one-directional here avoids a cycle if
// tools ever needs skill metadata).
type ToolResolver func(name string) bool

// Loader scans bundled, managed, and workspace source roots for skill
// manifests, resolves required_tools/required_binaries, and watches the
// managed/workspace roots for changes.
type Loader struct {
	roots map[Source]string

	resolveTool ToolResolver
	logger      *slog.Logger

	mu       sync.RWMutex
	resolved []ResolvedSkill
	warnings []string

	snapshot atomic.Pointer[[]ResolvedSkill]

	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewLoader builds a Loader over the three source roots. Any root may be
// empty to disable that tier.
func NewLoader(bundledDir, managedDir, workspaceDir string, resolveTool ToolResolver, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	roots := map[Source]string{}
	if bundledDir != "" {
		roots[SourceBundled] = bundledDir
	}
	if managedDir != "" {
		roots[SourceManaged] = managedDir
	}
	if workspaceDir != "" {
		roots[SourceWorkspace] = workspaceDir
	}
	return &Loader{
		roots:       roots,
		resolveTool: resolveTool,
		logger:      logger.With("component", "skills.loader"),
		stop:        make(chan struct{}),
	}
}

// Reload rescans every configured source root and recomputes
// resolvability. Safe to call concurrently with Snapshot.
func (l *Loader) Reload(ctx context.Context) error {
	byName := make(map[string]ResolvedSkill)
	var warnings []string

	for source, dir := range l.roots {
		manifests, warns, err := scanDir(dir, source)
		warnings = append(warnings, warns...)
		if err != nil {
			l.logger.Warn("skills: scan failed", "source", source, "dir", dir, "err", err)
			continue
		}
		for _, m := range manifests {
			existing, exists := byName[m.Name]
			if exists && sourcePriority[existing.Source] > sourcePriority[m.Source] {
				warnings = append(warnings, fmt.Sprintf("skills: %q shadowed: %s source loses to %s", m.Name, m.Source, existing.Source))
				continue
			}
			if exists {
				warnings = append(warnings, fmt.Sprintf("skills: %q shadowed: %s source loses to %s", m.Name, existing.Source, m.Source))
			}
			byName[m.Name] = ResolvedSkill{Manifest: m}
		}
	}

	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]ResolvedSkill, 0, len(names))
	for _, n := range names {
		r := byName[n]
		r.MissingTools = l.missingTools(r.RequiredTools)
		r.MissingBinary = missingBinaries(r.RequiredBinaries)
		r.Resolvable = len(r.MissingTools) == 0 && len(r.MissingBinary) == 0
		out = append(out, r)
	}

	l.mu.Lock()
	l.resolved = out
	l.warnings = warnings
	l.mu.Unlock()
	l.snapshot.Store(&out)
	return nil
}

func (l *Loader) missingTools(required []string) []string {
	if l.resolveTool == nil {
		return nil
	}
	var missing []string
	for _, t := range required {
		if !l.resolveTool(t) {
			missing = append(missing, t)
		}
	}
	return missing
}

func missingBinaries(required []string) []string {
	var missing []string
	for _, bin := range required {
		if _, err := lookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	return missing
}

// Snapshot returns the current resolved skill list, a copy-on-update
// view safe to read without holding any lock (spec §5: "Skill Loader
// expose copy-on-update snapshots; readers see a consistent snapshot
// without locking").
func (l *Loader) Snapshot() []ResolvedSkill {
	if p := l.snapshot.Load(); p != nil {
		return *p
	}
	return nil
}

// Warnings returns non-fatal issues surfaced by the last Reload (unknown
// front-matter keys, shadowed names).
func (l *Loader) Warnings() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.warnings...)
}

// Get returns a specific resolved skill by name.
func (l *Loader) Get(name string) (ResolvedSkill, bool) {
	for _, r := range l.Snapshot() {
		if r.Name == name {
			return r, true
		}
	}
	return ResolvedSkill{}, false
}

// Watch starts an fsnotify watch on the managed and workspace roots,
// calling Reload whenever either tree changes. Bundled skills are
// read-only and shipped with the binary, so they are not watched.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skills: create watcher: %w", err)
	}
	l.watcher = w

	for _, source := range []Source{SourceManaged, SourceWorkspace} {
		dir, ok := l.roots[source]
		if !ok {
			continue
		}
		if err := w.Add(dir); err != nil {
			l.logger.Warn("skills: watch failed", "dir", dir, "err", err)
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				w.Close()
				return
			case <-l.stop:
				w.Close()
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := l.Reload(ctx); err != nil {
						l.logger.Warn("skills: reload after fs event failed", "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn("skills: watcher error", "err", err)
			}
		}
	}()
	return nil
}

// Close stops the filesystem watcher.
func (l *Loader) Close() {
	close(l.stop)
}

func scanDir(dir string, source Source) ([]Manifest, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	var manifests []Manifest
	var warnings []string
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names) // deterministic scan order resolves same-tier collisions consistently

	byEntry := make(map[string]os.DirEntry, len(entries))
	for _, e := range entries {
		byEntry[e.Name()] = e
	}

	for _, name := range names {
		e := byEntry[name]
		var manifestPath string
		if e.IsDir() {
			manifestPath = filepath.Join(dir, e.Name(), "SKILL.md")
		} else if filepath.Ext(e.Name()) == ".md" {
			manifestPath = filepath.Join(dir, e.Name())
		} else {
			continue
		}
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			continue
		}
		manifestDir := filepath.Dir(manifestPath)
		m, warns, err := ParseManifest(string(raw), source, manifestDir)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("skills: %s: %v", manifestPath, err))
			continue
		}
		manifests = append(manifests, m)
		warnings = append(warnings, warns...)
	}
	return manifests, warnings, nil
}
