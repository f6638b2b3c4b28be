package gitx

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gitrun runs a git command in dir, failing the test on error.
func gitrun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\nOutput: %s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output))
}

// setupRemote creates a bare repository to act as the shared remote.
func setupRemote(t *testing.T) string {
	t.Helper()
	remote := filepath.Join(t.TempDir(), "origin.git")
	cmd := exec.Command("git", "init", "--bare", "--initial-branch=main", remote)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to init bare repo: %v\nOutput: %s", err, output)
	}
	return remote
}

// setupClone clones the remote and configures a committer identity.
func setupClone(t *testing.T, remote string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "clone")
	cmd := exec.Command("git", "clone", remote, dir)
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("failed to clone: %v\nOutput: %s", err, output)
	}
	gitrun(t, dir, "config", "user.email", "test@example.com")
	gitrun(t, dir, "config", "user.name", "Test User")
	return dir
}

// commitFile writes a file, commits it, and returns the commit hash.
func commitFile(t *testing.T, dir, file, content, message string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	gitrun(t, dir, "add", "-A")
	gitrun(t, dir, "commit", "--no-verify", "-m", message)
	return gitrun(t, dir, "rev-parse", "HEAD")
}

// seedMain creates an initial commit on main and pushes it.
func seedMain(t *testing.T, dir string) string {
	t.Helper()
	gitrun(t, dir, "checkout", "-B", "main")
	hash := commitFile(t, dir, "README.md", "seed\n", "initial commit")
	gitrun(t, dir, "push", "-u", "origin", "main")
	return hash
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	remote := setupRemote(t)
	dir := setupClone(t, remote)
	seedMain(t, dir)

	sub := filepath.Join(dir, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0750))

	repo, err := Open(ctx, sub, "")
	require.NoError(t, err)
	assert.Equal(t, "origin", repo.Remote())
	// macOS tempdirs live behind /private symlinks; compare resolved paths.
	wantDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	gotDir, err := filepath.EvalSymlinks(repo.Dir())
	require.NoError(t, err)
	assert.Equal(t, wantDir, gotDir)

	_, err = Open(ctx, t.TempDir(), "")
	assert.Error(t, err)
}

func TestMergeNoFFCreatesMergeCommit(t *testing.T) {
	ctx := context.Background()
	remote := setupRemote(t)
	dir := setupClone(t, remote)
	seedMain(t, dir)

	gitrun(t, dir, "checkout", "-b", "feature")
	commitFile(t, dir, "feature.txt", "feature work\n", "add feature")
	gitrun(t, dir, "checkout", "main")

	repo, err := Open(ctx, dir, "origin")
	require.NoError(t, err)

	author := Author{Name: "Jordan Developer", Email: "jordan@example.com"}
	result, err := repo.MergeNoFF(ctx, "feature", "merge feature into main", author)
	require.NoError(t, err)
	assert.False(t, result.Conflicted)
	assert.False(t, result.AlreadyUpToDate)
	require.NotEmpty(t, result.Commit)

	// A merge commit, even where fast-forward was possible.
	gitrun(t, dir, "rev-parse", result.Commit+"^2")
	assert.Equal(t, "Jordan Developer", gitrun(t, dir, "log", "-1", "--format=%an", result.Commit))
	assert.Equal(t, "merge feature into main", gitrun(t, dir, "log", "-1", "--format=%s", result.Commit))
}

func TestMergeNoFFAlreadyUpToDate(t *testing.T) {
	ctx := context.Background()
	remote := setupRemote(t)
	dir := setupClone(t, remote)
	seed := seedMain(t, dir)
	commitFile(t, dir, "more.txt", "more\n", "more work")

	repo, err := Open(ctx, dir, "origin")
	require.NoError(t, err)

	result, err := repo.MergeNoFF(ctx, seed, "pointless merge", Author{})
	require.NoError(t, err)
	assert.True(t, result.AlreadyUpToDate)
	assert.Empty(t, result.Commit)
}

func TestMergeNoFFConflictLeavesCleanTree(t *testing.T) {
	ctx := context.Background()
	remote := setupRemote(t)
	dir := setupClone(t, remote)
	seedMain(t, dir)

	commitFile(t, dir, "shared.txt", "line from main\n", "main edit")
	gitrun(t, dir, "checkout", "-b", "feature", "HEAD~1")
	commitFile(t, dir, "shared.txt", "line from feature\n", "feature edit")
	gitrun(t, dir, "checkout", "main")

	repo, err := Open(ctx, dir, "origin")
	require.NoError(t, err)

	result, err := repo.MergeNoFF(ctx, "feature", "conflicting merge", Author{})
	require.NoError(t, err)
	assert.True(t, result.Conflicted)

	status := gitrun(t, dir, "status", "--porcelain")
	assert.Empty(t, status, "working tree must be restored after a conflict")
}

func TestPushListDelete(t *testing.T) {
	ctx := context.Background()
	remote := setupRemote(t)
	dir := setupClone(t, remote)
	seed := seedMain(t, dir)

	repo, err := Open(ctx, dir, "origin")
	require.NoError(t, err)

	require.NoError(t, repo.Push(ctx, seed, "mergefwd/123/release-24.2"))
	require.NoError(t, repo.Push(ctx, seed, "mergefwd/123/main"))

	refs, err := repo.ListRemoteRefs(ctx, "mergefwd/123/*")
	require.NoError(t, err)
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
		assert.Equal(t, seed, ref.Hash)
	}
	assert.ElementsMatch(t, []string{"mergefwd/123/release-24.2", "mergefwd/123/main"}, names)

	hash, exists, err := repo.RemoteRefExists(ctx, "mergefwd/123/main")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, seed, hash)

	_, exists, err = repo.RemoteRefExists(ctx, "mergefwd/999/main")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, repo.PushDelete(ctx, "mergefwd/123/main"))
	// Idempotent: deleting again is not an error.
	require.NoError(t, repo.PushDelete(ctx, "mergefwd/123/main"))

	_, exists, err = repo.RemoteRefExists(ctx, "mergefwd/123/main")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPushRejectsNonFastForward(t *testing.T) {
	ctx := context.Background()
	remote := setupRemote(t)
	dir := setupClone(t, remote)
	seedMain(t, dir)
	tip := commitFile(t, dir, "a.txt", "a\n", "second commit")
	gitrun(t, dir, "push", "origin", "main")

	repo, err := Open(ctx, dir, "origin")
	require.NoError(t, err)

	// Pushing an ancestor over a descendant must be refused.
	err = repo.Push(ctx, tip+"~1", "main")
	assert.Error(t, err)
}

func TestIsAncestor(t *testing.T) {
	ctx := context.Background()
	remote := setupRemote(t)
	dir := setupClone(t, remote)
	first := seedMain(t, dir)
	second := commitFile(t, dir, "b.txt", "b\n", "second")

	repo, err := Open(ctx, dir, "origin")
	require.NoError(t, err)

	ok, err := repo.IsAncestor(ctx, first, second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsAncestor(ctx, second, first)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.IsAncestor(ctx, "no-such-ref", second)
	assert.Error(t, err)
}

func TestCommitAuthor(t *testing.T) {
	ctx := context.Background()
	remote := setupRemote(t)
	dir := setupClone(t, remote)
	seedMain(t, dir)

	repo, err := Open(ctx, dir, "origin")
	require.NoError(t, err)

	author, err := repo.CommitAuthor(ctx, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, Author{Name: "Test User", Email: "test@example.com"}, author)
}

func TestLogRange(t *testing.T) {
	ctx := context.Background()
	remote := setupRemote(t)
	dir := setupClone(t, remote)
	first := seedMain(t, dir)
	second := commitFile(t, dir, "b.txt", "b\n", "second")
	third := commitFile(t, dir, "c.txt", "c\n", "third")
	gitrun(t, dir, "branch", "mergeconflict/7/55/release-24.1/to/main", second)

	repo, err := Open(ctx, dir, "origin")
	require.NoError(t, err)

	entries, err := repo.LogRange(ctx, first, "main")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, third, entries[0].Hash)
	assert.Equal(t, second, entries[1].Hash)
	assert.Contains(t, entries[1].Refs, "refs/heads/mergeconflict/7/55/release-24.1/to/main")

	// Empty "from" walks the whole history.
	entries, err = repo.LogRange(ctx, "", "main")
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// Empty range.
	entries, err = repo.LogRange(ctx, third, "main")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheckoutAtAndResetHard(t *testing.T) {
	ctx := context.Background()
	remote := setupRemote(t)
	dir := setupClone(t, remote)
	first := seedMain(t, dir)
	commitFile(t, dir, "b.txt", "b\n", "second")

	repo, err := Open(ctx, dir, "origin")
	require.NoError(t, err)

	require.NoError(t, repo.CheckoutAt(ctx, "scratch/work", first))
	assert.Equal(t, first, gitrun(t, dir, "rev-parse", "HEAD"))

	require.NoError(t, repo.ResetHard(ctx, "main"))
	assert.Equal(t, gitrun(t, dir, "rev-parse", "main"), gitrun(t, dir, "rev-parse", "HEAD"))

	repo.DeleteLocalBranch(ctx, "scratch/other") // nonexistent: no-op
}
