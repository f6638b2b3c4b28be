// Package gitx is the narrow port through which cascade touches a git
// repository. Every durable artifact cascade owns is a ref, so the surface
// here is deliberately small: ref creation and deletion, merges with explicit
// fast-forward behavior, ancestry tests, and a decorated topological log.
//
// All operations shell out to the git CLI with the repository pinned via
// `git -C`; nothing depends on the process working directory.
package gitx

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cascade-bot/cascade/internal/debug"
)

// Repo is a handle on a local clone with a single configured remote.
type Repo struct {
	dir    string
	remote string
}

// Author identifies the author for synthesized merge commits.
type Author struct {
	Name  string
	Email string
}

func (a Author) String() string {
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// RemoteRef is one entry from a remote ref listing.
type RemoteRef struct {
	Name string // bare branch name, without refs/heads/
	Hash string
}

// LogEntry is one commit from a decorated log walk.
type LogEntry struct {
	Hash string
	Refs []string // decoration ref names, as git prints them
}

// MergeResult reports the outcome of a merge attempt. A content conflict is
// an expected outcome, not an error.
type MergeResult struct {
	Commit          string // new merge commit, when one was created
	AlreadyUpToDate bool
	Conflicted      bool
}

// Open validates that dir is inside a git work tree and returns a handle on
// it. remote is the name of the shared remote, normally "origin".
func Open(ctx context.Context, dir, remote string) (*Repo, error) {
	if remote == "" {
		remote = "origin"
	}
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %s", dir)
	}
	return &Repo{dir: strings.TrimSpace(string(output)), remote: remote}, nil
}

// Dir returns the repository root.
func (r *Repo) Dir() string { return r.dir }

// Remote returns the configured remote name.
func (r *Repo) Remote() string { return r.remote }

// RemoteRefName returns the remote-tracking name for a branch, e.g.
// "origin/main". Use after Fetch to read remote state without checkouts.
func (r *Repo) RemoteRefName(branch string) string {
	return r.remote + "/" + branch
}

// git runs a git command in the repository and returns its combined output.
// Errors embed the command and its output; git failures are only meaningful
// with that context attached.
func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", r.dir}, args...)
	debug.Logf("gitx: git %s\n", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, "git", full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed: %w\n%s", strings.Join(args, " "), err, output)
	}
	return string(output), nil
}

// Fetch updates all remote-tracking refs, pruning deleted ones.
func (r *Repo) Fetch(ctx context.Context) error {
	if _, err := r.git(ctx, "fetch", "--prune", r.remote); err != nil {
		return err
	}
	return nil
}

// Checkout checks out an existing ref.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.git(ctx, "checkout", "--quiet", ref)
	return err
}

// CheckoutAt creates (or resets) a local branch at start and checks it out.
func (r *Repo) CheckoutAt(ctx context.Context, branch, start string) error {
	_, err := r.git(ctx, "checkout", "--quiet", "-B", branch, start)
	return err
}

// DeleteLocalBranch removes a local branch, ignoring "not found".
func (r *Repo) DeleteLocalBranch(ctx context.Context, branch string) {
	cmd := exec.CommandContext(ctx, "git", "-C", r.dir, "branch", "-D", branch)
	_ = cmd.Run()
}

// ResetHard resets the current branch and working tree to ref.
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	_, err := r.git(ctx, "reset", "--hard", "--quiet", ref)
	return err
}

// AbortMerge cancels an in-progress merge, restoring the pre-merge tree.
// Safe to call when no merge is in progress.
func (r *Repo) AbortMerge(ctx context.Context) {
	cmd := exec.CommandContext(ctx, "git", "-C", r.dir, "merge", "--abort")
	_ = cmd.Run()
}

// MergeNoFF merges ref into the current branch, always producing a merge
// commit so that "already up to date" is distinguishable from a real merge.
// The commit carries the given author and message. Content conflicts are
// reported in the result with the working tree restored, not as an error.
func (r *Repo) MergeNoFF(ctx context.Context, ref, message string, author Author) (MergeResult, error) {
	output, err := r.git(ctx, "merge", "--no-ff", "--no-commit", ref)
	if err != nil {
		conflicted, cerr := r.hasUnmergedEntries(ctx)
		if cerr != nil {
			r.AbortMerge(ctx)
			return MergeResult{}, fmt.Errorf("merge of %s failed and conflict check errored: %w", ref, cerr)
		}
		if !conflicted {
			r.AbortMerge(ctx)
			return MergeResult{}, err
		}
		r.AbortMerge(ctx)
		return MergeResult{Conflicted: true}, nil
	}
	if strings.Contains(output, "Already up to date") {
		return MergeResult{AlreadyUpToDate: true}, nil
	}
	args := []string{"commit", "--no-verify", "-m", message}
	if author.Name != "" {
		args = append(args, "--author", author.String())
	}
	if _, err := r.git(ctx, args...); err != nil {
		r.AbortMerge(ctx)
		return MergeResult{}, fmt.Errorf("failed to commit merge of %s: %w", ref, err)
	}
	commit, err := r.RevParse(ctx, "HEAD")
	if err != nil {
		return MergeResult{}, err
	}
	return MergeResult{Commit: commit}, nil
}

// hasUnmergedEntries reports whether the index holds conflict entries.
func (r *Repo) hasUnmergedEntries(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", r.dir, "ls-files", "--unmerged")
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git ls-files --unmerged failed: %w", err)
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// Push updates remoteRef on the remote to the local ref. Non-forced: the
// remote's fast-forward check is the last line of defense against racing
// invocations overwriting each other.
func (r *Repo) Push(ctx context.Context, localRef, remoteRef string) error {
	_, err := r.git(ctx, "push", "--quiet", r.remote, localRef+":refs/heads/"+remoteRef)
	return err
}

// PushDelete removes a ref from the remote. Deleting an already-deleted ref
// is not an error; a replayed cleanup must be idempotent.
func (r *Repo) PushDelete(ctx context.Context, remoteRef string) error {
	output, err := r.git(ctx, "push", "--quiet", r.remote, "--delete", "refs/heads/"+remoteRef)
	if err != nil && strings.Contains(output, "remote ref does not exist") {
		return nil
	}
	return err
}

// ListRemoteRefs lists remote branches matching a glob pattern, e.g.
// "mergefwd/123/*". Names come back bare, without refs/heads/.
func (r *Repo) ListRemoteRefs(ctx context.Context, pattern string) ([]RemoteRef, error) {
	output, err := r.git(ctx, "ls-remote", "--heads", r.remote, "refs/heads/"+pattern)
	if err != nil {
		return nil, err
	}
	var refs []RemoteRef
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		refs = append(refs, RemoteRef{
			Hash: fields[0],
			Name: strings.TrimPrefix(fields[1], "refs/heads/"),
		})
	}
	return refs, nil
}

// RemoteRefExists reports whether a single remote branch exists, returning
// its hash when it does.
func (r *Repo) RemoteRefExists(ctx context.Context, name string) (string, bool, error) {
	refs, err := r.ListRemoteRefs(ctx, name)
	if err != nil {
		return "", false, err
	}
	for _, ref := range refs {
		if ref.Name == name {
			return ref.Hash, true, nil
		}
	}
	return "", false, nil
}

// RevParse resolves a ref to a commit hash.
func (r *Repo) RevParse(ctx context.Context, ref string) (string, error) {
	output, err := r.git(ctx, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (r *Repo) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", r.dir, "merge-base", "--is-ancestor", ancestor, descendant)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if exit, ok := err.(*exec.ExitError); ok && exit.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base --is-ancestor %s %s failed: %w", ancestor, descendant, err)
}

// CommitAuthor returns the author of a commit. The executor reuses it so
// forward-merge commits are attributed to the change's author rather than
// the bot identity.
func (r *Repo) CommitAuthor(ctx context.Context, ref string) (Author, error) {
	output, err := r.git(ctx, "log", "-1", "--format=%an%x1f%ae", ref)
	if err != nil {
		return Author{}, err
	}
	name, email, ok := strings.Cut(strings.TrimSpace(output), "\x1f")
	if !ok {
		return Author{}, fmt.Errorf("unexpected author format for %s: %q", ref, output)
	}
	return Author{Name: name, Email: email}, nil
}

// LogRange walks commits reachable from "to" but not from "from", newest
// first, in topological order, with full decoration names per commit. An
// empty "from" walks the entire history of "to".
func (r *Repo) LogRange(ctx context.Context, from, to string) ([]LogEntry, error) {
	rangeSpec := to
	if from != "" {
		rangeSpec = from + ".." + to
	}
	output, err := r.git(ctx, "log", "--topo-order", "--decorate=full", "--format=%H%x1f%D", rangeSpec)
	if err != nil {
		return nil, err
	}
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		if line == "" {
			continue
		}
		hash, decorations, _ := strings.Cut(line, "\x1f")
		entries = append(entries, LogEntry{Hash: hash, Refs: parseDecorations(decorations)})
	}
	return entries, nil
}

// parseDecorations splits a %D decoration string into ref names.
func parseDecorations(d string) []string {
	d = strings.TrimSpace(d)
	if d == "" {
		return nil
	}
	parts := strings.Split(d, ", ")
	refs := make([]string, 0, len(parts))
	for _, p := range parts {
		if _, after, ok := strings.Cut(p, " -> "); ok {
			p = after // "HEAD -> refs/heads/x"
		}
		p = strings.TrimPrefix(p, "tag: ")
		if p == "HEAD" || p == "" {
			continue
		}
		refs = append(refs, p)
	}
	return refs
}
