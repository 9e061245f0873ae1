package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a git repository with one commit on main inside a
// parent temp dir, so worktrees land in a sibling directory.
func initRepo(t *testing.T) string {
	t.Helper()
	parent := t.TempDir()
	dir := filepath.Join(parent, "project")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	mustGit(t, dir, "init", "-b", "main")
	mustGit(t, dir, "config", "user.email", "test@example.com")
	mustGit(t, dir, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	mustGit(t, dir, "add", "-A")
	mustGit(t, dir, "commit", "-m", "initial")
	return dir
}

func mustGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "spec/add-user-auth-abc1234",
		BranchName("abc1234567890", "Add User Auth!"))
	assert.Equal(t, "spec/abc1234", BranchName("abc1234567890", ""))

	long := BranchName("abc1234567890", strings.Repeat("very long title ", 10))
	require.True(t, strings.HasPrefix(long, "spec/"))
	slugAndID := strings.TrimPrefix(long, "spec/")
	assert.LessOrEqual(t, len(slugAndID), slugMax+1+idSuffixLen)
	assert.True(t, strings.HasSuffix(long, "-abc1234"))
}

func TestInitCreatesWorktree(t *testing.T) {
	dir := initRepo(t)
	w := NewWorkspace(dir, "main")

	info, err := w.Init(context.Background(), "spec-001", "First Spec")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(dir), WorktreesDirName, "spec-001"), info.Path)
	assert.Equal(t, "spec/first-spec-spec-00", info.Branch)

	branch := mustGit(t, info.Path, "rev-parse", "--abbrev-ref", "HEAD")
	assert.Equal(t, info.Branch, branch)
}

func TestInitAdoptsExistingWorktree(t *testing.T) {
	dir := initRepo(t)
	w := NewWorkspace(dir, "main")

	first, err := w.Init(context.Background(), "spec-001", "First Spec")
	require.NoError(t, err)

	// A file left in the worktree survives adoption.
	marker := filepath.Join(first.Path, "marker.txt")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	second, err := w.Init(context.Background(), "spec-001", "First Spec")
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)
	_, err = os.Stat(marker)
	assert.NoError(t, err)
}

func TestSnapshotAndChangedFiles(t *testing.T) {
	dir := initRepo(t)
	w := NewWorkspace(dir, "main")
	ctx := context.Background()

	snap, err := w.TakeSnapshot(ctx, dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.go"), []byte("package x\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0o644))

	changed, err := w.ChangedFiles(ctx, dir, snap)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"new.go", "README.md"}, changed)
}

func TestChangedFilesSeesCommits(t *testing.T) {
	dir := initRepo(t)
	w := NewWorkspace(dir, "main")
	ctx := context.Background()

	snap, err := w.TakeSnapshot(ctx, dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.go"), []byte("package x\n"), 0o644))
	mustGit(t, dir, "add", "-A")
	mustGit(t, dir, "commit", "-m", "add new.go")

	changed, err := w.ChangedFiles(ctx, dir, snap)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"new.go"}, changed)
}

func TestResetRestoresSnapshot(t *testing.T) {
	dir := initRepo(t)
	w := NewWorkspace(dir, "main")
	ctx := context.Background()

	snap, err := w.TakeSnapshot(ctx, dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("mangled"), 0o644))
	mustGit(t, dir, "add", "-A")
	mustGit(t, dir, "commit", "-m", "bad work")

	require.NoError(t, w.Reset(ctx, dir, snap))

	changed, err := w.ChangedFiles(ctx, dir, snap)
	require.NoError(t, err)
	assert.Empty(t, changed)
	_, err = os.Stat(filepath.Join(dir, "junk.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestCommit(t *testing.T) {
	dir := initRepo(t)
	w := NewWorkspace(dir, "main")
	ctx := context.Background()

	// Nothing staged: empty result, no error.
	sha, err := w.Commit(ctx, dir, "feat(noop): nothing")
	require.NoError(t, err)
	assert.Empty(t, sha)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a\n"), 0o644))
	sha, err = w.Commit(ctx, dir, "feat(a): add package a")
	require.NoError(t, err)
	require.NotEmpty(t, sha)

	msg := mustGit(t, dir, "log", "-1", "--format=%s")
	assert.Equal(t, "feat(a): add package a", msg)
}

func TestCleanupIdempotent(t *testing.T) {
	dir := initRepo(t)
	w := NewWorkspace(dir, "main")
	ctx := context.Background()

	info, err := w.Init(ctx, "spec-001", "x")
	require.NoError(t, err)

	// Keeping the worktree leaves it in place.
	require.NoError(t, w.Cleanup(ctx, "spec-001", false))
	_, err = os.Stat(info.Path)
	require.NoError(t, err)

	require.NoError(t, w.Cleanup(ctx, "spec-001", true))
	_, err = os.Stat(info.Path)
	assert.True(t, os.IsNotExist(err))

	// Second cleanup is a no-op.
	require.NoError(t, w.Cleanup(ctx, "spec-001", true))
}

func TestScanWorktrees(t *testing.T) {
	dir := initRepo(t)
	w := NewWorkspace(dir, "main")
	ctx := context.Background()

	_, err := w.Init(ctx, "spec-live", "live")
	require.NoError(t, err)
	_, err = w.Init(ctx, "spec-dead", "dead")
	require.NoError(t, err)

	old := touchTime
	touchTime = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	defer func() { touchTime = old }()

	entries, err := w.ScanWorktrees(ctx, func(id string) bool { return id == "spec-live" }, 7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byID := map[string]WorktreeEntry{}
	for _, e := range entries {
		byID[e.SpecID] = e
	}
	assert.False(t, byID["spec-live"].Orphaned)
	assert.True(t, byID["spec-dead"].Orphaned)
	assert.True(t, byID["spec-live"].Stale)
}

func TestHasCommits(t *testing.T) {
	dir := initRepo(t)
	w := NewWorkspace(dir, "main")
	ctx := context.Background()

	info, err := w.Init(ctx, "spec-001", "x")
	require.NoError(t, err)

	has, err := w.HasCommits(ctx, info.Path)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, os.WriteFile(filepath.Join(info.Path, "b.go"), []byte("package b\n"), 0o644))
	_, err = w.Commit(ctx, info.Path, "feat(b): add")
	require.NoError(t, err)

	has, err = w.HasCommits(ctx, info.Path)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestOriginOwnerRepo(t *testing.T) {
	dir := initRepo(t)
	w := NewWorkspace(dir, "main")
	ctx := context.Background()

	cases := map[string][2]string{
		"git@github.com:acme/widgets.git":     {"acme", "widgets"},
		"https://github.com/acme/widgets":     {"acme", "widgets"},
		"https://github.com/acme/widgets.git": {"acme", "widgets"},
		"ssh://git@github.com/acme/widgets":   {"acme", "widgets"},
	}
	for url, want := range cases {
		cmd := exec.Command("git", "remote", "remove", "origin")
		cmd.Dir = dir
		_ = cmd.Run()
		mustGit(t, dir, "remote", "add", "origin", url)
		owner, repo, err := w.originOwnerRepo(ctx, dir)
		require.NoError(t, err, url)
		assert.Equal(t, want[0], owner, url)
		assert.Equal(t, want[1], repo, url)
	}
}

func TestLastURL(t *testing.T) {
	out := "Creating pull request for spec/x into main\nhttps://github.com/acme/widgets/pull/42"
	assert.Equal(t, "https://github.com/acme/widgets/pull/42", lastURL(out))
	assert.Empty(t, lastURL("no url here"))
}
