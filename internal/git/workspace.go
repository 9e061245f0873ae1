// Package git manages per-spec workspace isolation: worktrees, branches,
// snapshots, commits, pushes, and pull requests.
package git

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	// WorktreesDirName is the sibling directory holding spec worktrees.
	WorktreesDirName = ".worktrees"
	// branchPrefix namespaces spec branches.
	branchPrefix = "spec/"
	// slugMax bounds the title-derived part of a branch name.
	slugMax = 40
	// idSuffixLen is how much of the spec id lands in the branch name.
	idSuffixLen = 7
)

// Workspace manages git operations for one project repository.
type Workspace struct {
	// projectDir is the project's repository root.
	projectDir string
	baseBranch string
	logger     *slog.Logger
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workspace) { w.logger = l }
}

// NewWorkspace creates a workspace manager for projectDir.
func NewWorkspace(projectDir, baseBranch string, opts ...Option) *Workspace {
	if baseBranch == "" {
		baseBranch = "main"
	}
	w := &Workspace{
		projectDir: projectDir,
		baseBranch: baseBranch,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Info describes an initialized spec workspace.
type Info struct {
	// Path is the worktree directory the spec runs in.
	Path string
	// Branch is the spec branch checked out there.
	Branch string
}

// IsRepo reports whether the project directory is a git working copy.
// When it is not, spec runs proceed without workspace isolation.
func (w *Workspace) IsRepo(ctx context.Context) bool {
	out, err := w.run(ctx, w.projectDir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// WorktreesDir returns the project's worktree container directory, a sibling
// of the repository so build tools inside the repo never see it.
func (w *Workspace) WorktreesDir() string {
	return filepath.Join(filepath.Dir(w.projectDir), WorktreesDirName)
}

// BranchName derives the spec branch name: a slugged title capped at 40
// characters plus the first 7 characters of the spec id.
func BranchName(specID, title string) string {
	slug := slugify(title)
	if len(slug) > slugMax {
		slug = strings.Trim(slug[:slugMax], "-")
	}
	id := specID
	if len(id) > idSuffixLen {
		id = id[:idSuffixLen]
	}
	if slug == "" {
		return branchPrefix + id
	}
	return branchPrefix + slug + "-" + id
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	s = strings.ToLower(s)
	s = slugStrip.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// Init prepares the spec's isolated workspace: creates (or adopts) the
// worktree at <projectParent>/.worktrees/<specID> with the spec branch
// checked out. Re-running for the same spec is idempotent.
func (w *Workspace) Init(ctx context.Context, specID, title string) (*Info, error) {
	branch := BranchName(specID, title)
	path := filepath.Join(w.WorktreesDir(), specID)

	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		// Existing worktree: adopt it if the right branch is checked out.
		current, err := w.run(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
		if err == nil && current == branch {
			w.logger.Info("adopting existing worktree", "spec_id", specID, "path", path)
			return &Info{Path: path, Branch: branch}, nil
		}
		// Wrong branch or unreadable: remove and recreate.
		if err := w.removeWorktree(ctx, path); err != nil {
			return nil, fmt.Errorf("remove stale worktree %s: %w", path, err)
		}
	}

	if err := os.MkdirAll(w.WorktreesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create worktrees dir: %w", err)
	}
	if err := w.addWorktree(ctx, path, branch); err != nil {
		return nil, err
	}
	w.logger.Info("worktree created", "spec_id", specID, "branch", branch, "path", path)
	return &Info{Path: path, Branch: branch}, nil
}

// addWorktree creates the worktree, pruning and retrying once when git
// reports leftover registrations from a previous run.
func (w *Workspace) addWorktree(ctx context.Context, path, branch string) error {
	err := w.tryAddWorktree(ctx, path, branch)
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "already exists") || strings.Contains(msg, "already registered") ||
		strings.Contains(msg, "already used by worktree") {
		if _, pruneErr := w.run(ctx, w.projectDir, "worktree", "prune"); pruneErr == nil {
			if retryErr := w.tryAddWorktree(ctx, path, branch); retryErr == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("create worktree %s: %w", path, err)
}

func (w *Workspace) tryAddWorktree(ctx context.Context, path, branch string) error {
	// Reuse the branch when it survives from an earlier attempt.
	if _, err := w.run(ctx, w.projectDir, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		_, err = w.run(ctx, w.projectDir, "worktree", "add", path, branch)
		return err
	}
	_, err := w.run(ctx, w.projectDir, "worktree", "add", "-b", branch, path, w.baseBranch)
	return err
}

func (w *Workspace) removeWorktree(ctx context.Context, path string) error {
	if _, err := w.run(ctx, w.projectDir, "worktree", "remove", "--force", path); err != nil {
		// Fall back to deleting the directory and pruning the registration.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return rmErr
		}
		_, _ = w.run(ctx, w.projectDir, "worktree", "prune")
	}
	return nil
}

// Cleanup releases a spec's workspace. With removeWorktree false the
// worktree is kept for PR updates and only stale registrations are pruned;
// with true it is deleted. The branch is kept either way: it holds the
// spec's commits until the PR merges. Safe to call repeatedly.
func (w *Workspace) Cleanup(ctx context.Context, specID string, removeWorktree bool) error {
	path := filepath.Join(w.WorktreesDir(), specID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_, _ = w.run(ctx, w.projectDir, "worktree", "prune")
		return nil
	}
	if !removeWorktree {
		return nil
	}
	return w.removeWorktree(ctx, path)
}

// Snapshot captures the workspace state before a chunk runs: the HEAD commit
// plus a content hash for every dirty or untracked file.
type Snapshot struct {
	Head  string
	Dirty map[string]string
}

// TakeSnapshot records the current state of dir.
func (w *Workspace) TakeSnapshot(ctx context.Context, dir string) (*Snapshot, error) {
	head, err := w.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	dirty, err := w.dirtyFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Head: head, Dirty: make(map[string]string, len(dirty))}
	for _, f := range dirty {
		hash, err := w.run(ctx, dir, "hash-object", "--", f)
		if err != nil {
			// Deleted file: record its absence.
			snap.Dirty[f] = ""
			continue
		}
		snap.Dirty[f] = hash
	}
	return snap, nil
}

// ChangedFiles returns every path that differs from the snapshot: new
// commits since the snapshot head plus working-tree changes.
func (w *Workspace) ChangedFiles(ctx context.Context, dir string, snap *Snapshot) ([]string, error) {
	seen := make(map[string]struct{})

	head, err := w.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	if head != snap.Head {
		committed, err := w.run(ctx, dir, "diff", "--name-only", snap.Head, head)
		if err != nil {
			return nil, fmt.Errorf("diff commits: %w", err)
		}
		for _, f := range splitLines(committed) {
			seen[f] = struct{}{}
		}
	}

	dirty, err := w.dirtyFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	now := make(map[string]string, len(dirty))
	for _, f := range dirty {
		hash, err := w.run(ctx, dir, "hash-object", "--", f)
		if err != nil {
			hash = ""
		}
		now[f] = hash
	}
	for f, hash := range now {
		if prev, ok := snap.Dirty[f]; !ok || prev != hash {
			seen[f] = struct{}{}
		}
	}
	// Files dirty at snapshot time that are no longer dirty changed too,
	// unless they were committed (already counted above).
	for f := range snap.Dirty {
		if _, ok := now[f]; !ok {
			seen[f] = struct{}{}
		}
	}

	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	return files, nil
}

// Reset discards everything since the snapshot: hard reset to the snapshot
// head and removal of untracked files.
func (w *Workspace) Reset(ctx context.Context, dir string, snap *Snapshot) error {
	if _, err := w.run(ctx, dir, "reset", "--hard", snap.Head); err != nil {
		return fmt.Errorf("reset to snapshot: %w", err)
	}
	if _, err := w.run(ctx, dir, "clean", "-fd"); err != nil {
		return fmt.Errorf("clean untracked: %w", err)
	}
	return nil
}

// Commit stages everything and commits with message verbatim. Returns the
// new commit SHA, or "" when there was nothing to commit.
func (w *Workspace) Commit(ctx context.Context, dir, message string) (string, error) {
	if _, err := w.run(ctx, dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	status, err := w.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("read status: %w", err)
	}
	if status == "" {
		return "", nil
	}
	if _, err := w.run(ctx, dir, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	sha, err := w.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("read commit sha: %w", err)
	}
	return sha, nil
}

// Push publishes the branch, setting upstream on the first push.
func (w *Workspace) Push(ctx context.Context, dir, branch string) error {
	if _, err := w.run(ctx, dir, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// Diff returns the full diff of the branch against the base branch.
func (w *Workspace) Diff(ctx context.Context, dir string) (string, error) {
	out, err := w.run(ctx, dir, "diff", w.baseBranch+"...HEAD")
	if err != nil {
		return "", fmt.Errorf("diff against %s: %w", w.baseBranch, err)
	}
	return out, nil
}

// HasCommits reports whether the branch carries commits beyond the base.
func (w *Workspace) HasCommits(ctx context.Context, dir string) (bool, error) {
	out, err := w.run(ctx, dir, "rev-list", "--count", w.baseBranch+"..HEAD")
	if err != nil {
		return false, fmt.Errorf("count commits: %w", err)
	}
	return out != "0", nil
}

// dirtyFiles lists modified, added, deleted, and untracked paths.
func (w *Workspace) dirtyFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := w.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("read status: %w", err)
	}
	var files []string
	for _, line := range splitLines(out) {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames report "old -> new"; the new path is the live one.
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		files = append(files, path)
	}
	return files, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// run executes git with the given args in dir and returns trimmed stdout.
func (w *Workspace) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	trimmed := strings.TrimSpace(string(out))
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, trimmed)
	}
	return trimmed, nil
}

// touchTime is overridable in tests for stale scans.
var touchTime = time.Now
