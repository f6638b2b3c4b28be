package advance

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascade-bot/cascade/internal/chain"
	"github.com/cascade-bot/cascade/internal/gitx"
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

// pushRef publishes a commit under a ref name on the remote.
func pushRef(t *testing.T, dir, commit, name string) {
	t.Helper()
	gitrun(t, dir, "push", "origin", commit+":refs/heads/"+name)
}

func testChain(t *testing.T) *chain.Chain {
	t.Helper()
	ch, err := chain.New([]string{"release-24.1", "release-24.2", "main"})
	require.NoError(t, err)
	return ch
}

// seedBranch creates a branch with an initial commit and pushes it.
func seedBranch(t *testing.T, dir, branch string) string {
	t.Helper()
	gitrun(t, dir, "checkout", "-B", branch)
	hash := commitFile(t, dir, "README.md", branch+" seed\n", "initial commit on "+branch)
	gitrun(t, dir, "push", "-u", "origin", branch)
	return hash
}

func openRepo(t *testing.T, ctx context.Context, dir string) *gitx.Repo {
	t.Helper()
	repo, err := gitx.Open(ctx, dir, "origin")
	require.NoError(t, err)
	require.NoError(t, repo.Fetch(ctx))
	return repo
}

func TestSafePointNoMarkersAdvancesToTip(t *testing.T) {
	ctx := context.Background()
	dir := setupClone(t, setupRemote(t))
	seed := seedBranch(t, dir, "release-24.1")
	commitFile(t, dir, "a.txt", "a\n", "work a")
	tip := commitFile(t, dir, "b.txt", "b\n", "work b")
	gitrun(t, dir, "push", "origin", "release-24.1")
	pushRef(t, dir, seed, "known-good/release-24.1")

	repo := openRepo(t, ctx, dir)
	adv, err := SafePoint(ctx, repo, testChain(t), "release-24.1")
	require.NoError(t, err)
	assert.True(t, adv.Advance)
	assert.Equal(t, tip, adv.Commit)
}

func TestSafePointAlreadyUpToDate(t *testing.T) {
	ctx := context.Background()
	dir := setupClone(t, setupRemote(t))
	seed := seedBranch(t, dir, "release-24.1")
	pushRef(t, dir, seed, "known-good/release-24.1")

	repo := openRepo(t, ctx, dir)
	adv, err := SafePoint(ctx, repo, testChain(t), "release-24.1")
	require.NoError(t, err)
	assert.False(t, adv.Advance)
	assert.Equal(t, "already up to date", adv.Reason)
}

func TestSafePointStopsBeforeOldestRelevantMarker(t *testing.T) {
	ctx := context.Background()
	dir := setupClone(t, setupRemote(t))
	seed := seedBranch(t, dir, "release-24.1")
	commitFile(t, dir, "a.txt", "a\n", "work a")
	c3 := commitFile(t, dir, "b.txt", "b\n", "work b")
	c4 := commitFile(t, dir, "c.txt", "c\n", "work c")
	commitFile(t, dir, "d.txt", "d\n", "work d")
	gitrun(t, dir, "push", "origin", "release-24.1")
	pushRef(t, dir, seed, "known-good/release-24.1")
	pushRef(t, dir, c4, "mergeconflict/12/101/release-24.1/to/release-24.2")

	repo := openRepo(t, ctx, dir)
	adv, err := SafePoint(ctx, repo, testChain(t), "release-24.1")
	require.NoError(t, err)
	assert.True(t, adv.Advance)
	// The marked commit and everything after it stay unproven.
	assert.Equal(t, c3, adv.Commit)
}

func TestSafePointDownstreamHopBlocksUpstreamBranch(t *testing.T) {
	ctx := context.Background()
	dir := setupClone(t, setupRemote(t))
	seed := seedBranch(t, dir, "release-24.1")
	commitFile(t, dir, "a.txt", "a\n", "work a")
	c3 := commitFile(t, dir, "b.txt", "b\n", "work b")
	c4 := commitFile(t, dir, "c.txt", "c\n", "work c")
	gitrun(t, dir, "push", "origin", "release-24.1")
	pushRef(t, dir, seed, "known-good/release-24.1")
	// A conflict two hops downstream still blocks this branch's pointer.
	pushRef(t, dir, c4, "mergeconflict/3/88/release-24.2/to/main")

	repo := openRepo(t, ctx, dir)
	adv, err := SafePoint(ctx, repo, testChain(t), "release-24.1")
	require.NoError(t, err)
	assert.True(t, adv.Advance)
	assert.Equal(t, c3, adv.Commit)
}

func TestSafePointUpstreamSourcedMarkerBlocks(t *testing.T) {
	ctx := context.Background()
	dir := setupClone(t, setupRemote(t))
	seed := seedBranch(t, dir, "release-24.2")
	commitFile(t, dir, "a.txt", "a\n", "work a")
	c3 := commitFile(t, dir, "b.txt", "b\n", "work b")
	c4 := commitFile(t, dir, "c.txt", "c\n", "work c")
	gitrun(t, dir, "push", "origin", "release-24.2")
	pushRef(t, dir, seed, "known-good/release-24.2")
	// Marker naming an upstream branch as source. Only the target matters
	// for relevance: main is still downstream of release-24.2, so the commit
	// carrying the conflicted content stays unproven.
	pushRef(t, dir, c4, "mergeconflict/7/64/release-24.1/to/main")

	repo := openRepo(t, ctx, dir)
	adv, err := SafePoint(ctx, repo, testChain(t), "release-24.2")
	require.NoError(t, err)
	assert.True(t, adv.Advance)
	assert.Equal(t, c3, adv.Commit)
}

func TestSafePointIgnoresIrrelevantMarkers(t *testing.T) {
	ctx := context.Background()
	dir := setupClone(t, setupRemote(t))
	seed := seedBranch(t, dir, "release-24.2")
	commitFile(t, dir, "a.txt", "a\n", "work a")
	mid := commitFile(t, dir, "b.txt", "b\n", "work b")
	tip := commitFile(t, dir, "c.txt", "c\n", "work c")
	gitrun(t, dir, "push", "origin", "release-24.2")
	pushRef(t, dir, seed, "known-good/release-24.2")
	// An upstream hop's conflict says nothing about release-24.2's own
	// remaining journey.
	pushRef(t, dir, mid, "mergeconflict/5/42/release-24.1/to/release-24.2")

	repo := openRepo(t, ctx, dir)
	adv, err := SafePoint(ctx, repo, testChain(t), "release-24.2")
	require.NoError(t, err)
	assert.True(t, adv.Advance)
	assert.Equal(t, tip, adv.Commit)
}

func TestSafePointLegacyMarkerIsRelevant(t *testing.T) {
	ctx := context.Background()
	dir := setupClone(t, setupRemote(t))
	seed := seedBranch(t, dir, "release-24.1")
	commitFile(t, dir, "a.txt", "a\n", "work a")
	c3 := commitFile(t, dir, "b.txt", "b\n", "work b")
	c4 := commitFile(t, dir, "c.txt", "c\n", "work c")
	gitrun(t, dir, "push", "origin", "release-24.1")
	pushRef(t, dir, seed, "known-good/release-24.1")
	// Undecodable quarantine name from an older tool version. Must be
	// treated as blocking rather than guessed harmless.
	pushRef(t, dir, c4, "mergeconflict/stale")

	repo := openRepo(t, ctx, dir)
	adv, err := SafePoint(ctx, repo, testChain(t), "release-24.1")
	require.NoError(t, err)
	assert.True(t, adv.Advance)
	assert.Equal(t, c3, adv.Commit)
}

func TestSafePointConflictAdjacentToPointer(t *testing.T) {
	ctx := context.Background()
	dir := setupClone(t, setupRemote(t))
	seed := seedBranch(t, dir, "release-24.1")
	c2 := commitFile(t, dir, "a.txt", "a\n", "work a")
	commitFile(t, dir, "b.txt", "b\n", "work b")
	gitrun(t, dir, "push", "origin", "release-24.1")
	pushRef(t, dir, seed, "known-good/release-24.1")
	// The very first new commit is marked: no room to advance into.
	pushRef(t, dir, c2, "mergeconflict/9/55/release-24.1/to/release-24.2")

	repo := openRepo(t, ctx, dir)
	adv, err := SafePoint(ctx, repo, testChain(t), "release-24.1")
	require.NoError(t, err)
	assert.False(t, adv.Advance)
	assert.NotEmpty(t, adv.Reason)
}

func TestSafePointMissingPointerScansFullHistory(t *testing.T) {
	ctx := context.Background()
	dir := setupClone(t, setupRemote(t))
	seedBranch(t, dir, "release-24.1")
	tip := commitFile(t, dir, "a.txt", "a\n", "work a")
	gitrun(t, dir, "push", "origin", "release-24.1")

	repo := openRepo(t, ctx, dir)
	adv, err := SafePoint(ctx, repo, testChain(t), "release-24.1")
	require.NoError(t, err)
	assert.True(t, adv.Advance)
	assert.Equal(t, tip, adv.Commit)
}

func TestSafePointTerminalBranchErrors(t *testing.T) {
	ctx := context.Background()
	dir := setupClone(t, setupRemote(t))
	seedBranch(t, dir, "main")

	repo := openRepo(t, ctx, dir)
	_, err := SafePoint(ctx, repo, testChain(t), "main")
	assert.Error(t, err)
}
