package git

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// WorktreeEntry describes one directory under the worktrees container.
type WorktreeEntry struct {
	// SpecID is the directory name, which is the owning spec's id.
	SpecID string
	Path   string
	Branch string
	// ModTime is the directory's last modification time.
	ModTime time.Time
	// Orphaned is set by ScanWorktrees when no known spec claims the entry.
	Orphaned bool
	// Stale is set when the entry is older than the configured age.
	Stale bool
}

// ScanWorktrees inspects the worktrees container and classifies every entry.
// knownSpec reports whether a spec id is still tracked; entries it disowns
// are orphans. Entries older than staleAfter are stale. The scan only
// reports, it never removes.
func (w *Workspace) ScanWorktrees(ctx context.Context, knownSpec func(specID string) bool, staleAfter time.Duration) ([]WorktreeEntry, error) {
	dir := w.WorktreesDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	now := touchTime()
	var out []WorktreeEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		entry := WorktreeEntry{SpecID: e.Name(), Path: path}
		if info, err := e.Info(); err == nil {
			entry.ModTime = info.ModTime()
		}
		if branch, err := w.run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
			entry.Branch = branch
		}
		entry.Orphaned = !knownSpec(entry.SpecID)
		if staleAfter > 0 && !entry.ModTime.IsZero() {
			entry.Stale = now.Sub(entry.ModTime) > staleAfter
		}
		out = append(out, entry)
	}
	return out, nil
}

// RemoveEntries deletes the given worktree entries and prunes git's
// registrations. Returns the paths actually removed.
func (w *Workspace) RemoveEntries(ctx context.Context, entries []WorktreeEntry) ([]string, error) {
	var removed []string
	for _, e := range entries {
		if err := w.removeWorktree(ctx, e.Path); err != nil {
			return removed, err
		}
		removed = append(removed, e.Path)
	}
	_, _ = w.run(ctx, w.projectDir, "worktree", "prune")
	return removed, nil
}
