// Package forward drives a merged change through the ordered branch chain.
//
// Each hop works inside a merge-forward ref owned exclusively by the change,
// so two changes conflicting at the same hop never touch the same ref and
// never see each other's unresolved state. A conflict stops the walk,
// quarantines the last good state under a durable ref, and files a tracking
// issue; the eventual human resolution re-triggers the walk, which resumes
// from the hop after the one that conflicted.
package forward

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cascade-bot/cascade/internal/chain"
	"github.com/cascade-bot/cascade/internal/debug"
	"github.com/cascade-bot/cascade/internal/gitx"
	"github.com/cascade-bot/cascade/internal/refname"
	"github.com/cascade-bot/cascade/internal/telemetry"
	"github.com/cascade-bot/cascade/internal/tracker"
	"github.com/cascade-bot/cascade/internal/trigger"
)

const scopeName = "github.com/cascade-bot/cascade/forward"

// State is the terminal state of a change's walk through the chain.
type State int

const (
	// Completed means the change reached the terminal branch.
	Completed State = iota
	// Blocked means a conflict was quarantined and the walk stopped.
	Blocked
	// Skipped means there was nothing to do (unmerged PR, branch outside
	// the chain).
	Skipped
)

func (s State) String() string {
	switch s {
	case Completed:
		return "completed"
	case Blocked:
		return "blocked"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Outcome reports what a run did. A Blocked outcome is a success from the
// process's point of view: the conflict is parked where a human can take
// over.
type Outcome struct {
	State       State
	ChangeID    string   // original change id (decoded for resolutions)
	Branch      string   // branch the walk blocked at, when Blocked
	IssueNumber int      // tracking issue, when Blocked
	IssueURL    string
	Landed      []string // branches the change landed on during this run
	Reason      string   // why nothing was done, when Skipped
}

// Executor walks changes through the chain. One instance per run.
type Executor struct {
	repo  *gitx.Repo
	track tracker.Tracker
	chain *chain.Chain
	label string // tracking-issue label
}

// New returns an executor. label tags every conflict issue it files.
func New(repo *gitx.Repo, track tracker.Tracker, ch *chain.Chain, label string) *Executor {
	return &Executor{repo: repo, track: track, chain: ch, label: label}
}

// Run propagates one merged change through its remaining hops. Expected
// conflicts come back inside the Outcome; a returned error always means an
// unexpected tooling failure that a re-invocation may or may not cure.
func (e *Executor) Run(ctx context.Context, change trigger.Change) (*Outcome, error) {
	if !change.Merged {
		return &Outcome{State: Skipped, ChangeID: change.ID, Reason: "change closed without merging"}, nil
	}
	if err := change.Validate(); err != nil {
		return nil, err
	}
	if err := e.repo.Fetch(ctx); err != nil {
		return nil, err
	}

	id := refname.OriginalChangeID(change.Source, change.Target, change.ID)
	tracking := change.Head

	ctx, span := telemetry.Tracer(scopeName).Start(ctx, "cascade.run",
		trace.WithAttributes(
			attribute.String("cascade.change_id", id),
			attribute.String("cascade.target", change.Target),
		),
	)
	defer span.End()

	author, err := e.repo.CommitAuthor(ctx, tracking)
	if err != nil {
		return nil, fmt.Errorf("cannot read author of %s: %w", tracking, err)
	}

	// landedAt maps each branch carrying the change to the commit where its
	// content entered that branch. Quarantine markers are planted at these
	// commits: the safe-advancement scan only reads a branch's own history,
	// so every branch needs a marker on a commit it can see.
	landedAt := map[string]string{}
	var hops []string
	var prev string

	outcome := &Outcome{ChangeID: id}
	if mf, ok := refname.ParseMergeForward(change.Target); ok {
		// The change is a conflict resolution merged into a merge-forward
		// ref. The hops before it completed in an earlier invocation; pick
		// up right after the one that conflicted.
		if !e.chain.Contains(mf.Target) {
			return nil, fmt.Errorf("merge-forward ref %s names branch %s outside the chain", change.Target, mf.Target)
		}
		debug.Logf("forward: resuming change %s after %s\n", id, mf.Target)
		if err := e.foldBranch(ctx, mf.Target, tracking, id, author); err != nil {
			return nil, err
		}
		telemetry.CountMerge(ctx, mf.Target)
		landedAt[mf.Target] = tracking
		outcome.Landed = append(outcome.Landed, mf.Target)
		prev = mf.Target
		hops = e.chain.Downstream(mf.Target)
	} else {
		if !e.chain.Contains(change.Target) {
			return &Outcome{State: Skipped, ChangeID: id, Reason: fmt.Sprintf("branch %s is not part of the chain", change.Target)}, nil
		}
		// The PR merge itself landed the change on its target branch.
		landedAt[change.Target] = tracking
		prev = change.Target
		hops = e.chain.Downstream(change.Target)
	}

	for _, target := range hops {
		conflicted, err := e.mergeHop(ctx, id, prev, target, &tracking, author)
		if err != nil {
			return nil, err
		}
		if conflicted {
			issue, err := e.quarantine(ctx, change, id, prev, target, landedAt)
			if err != nil {
				return nil, err
			}
			telemetry.CountConflict(ctx, target)
			outcome.State = Blocked
			outcome.Branch = target
			outcome.IssueNumber = issue.Number
			outcome.IssueURL = issue.HTMLURL
			return outcome, nil
		}
		if err := e.foldBranch(ctx, target, tracking, id, author); err != nil {
			return nil, err
		}
		telemetry.CountMerge(ctx, target)
		landedAt[target] = tracking
		outcome.Landed = append(outcome.Landed, target)
		prev = target
	}

	// The chain is complete. Earlier invocations may have died after
	// pushing a merge-forward ref but before landing it; fold whatever is
	// left so no hop's result is stranded.
	if err := e.foldRemaining(ctx, id, landedAt, author); err != nil {
		return nil, err
	}
	if err := e.deleteSourceHead(ctx, change); err != nil {
		return nil, err
	}

	outcome.State = Completed
	return outcome, nil
}

// mergeHop merges the change's tracking commit toward target inside the
// change's merge-forward ref. On success tracking advances to the new merge
// commit. Returns conflicted=true for content conflicts.
func (e *Executor) mergeHop(ctx context.Context, id, src, target string, tracking *string, author gitx.Author) (bool, error) {
	fwdName := refname.MergeForward(id, target)

	// Reuse the ref where it exists: a replayed or resumed run must build on
	// what the previous invocation already merged, not restart the hop.
	base, exists, err := e.repo.RemoteRefExists(ctx, fwdName)
	if err != nil {
		return false, err
	}
	if !exists {
		base, err = e.hopBase(ctx, target)
		if err != nil {
			return false, err
		}
	}

	if err := e.repo.CheckoutAt(ctx, fwdName, base); err != nil {
		return false, err
	}

	message := fmt.Sprintf("Forward-merge %s into %s (change %s)", src, target, id)
	result, err := e.repo.MergeNoFF(ctx, *tracking, message, author)
	if err != nil {
		return false, err
	}
	if result.Conflicted {
		debug.Logf("forward: change %s conflicts at %s\n", id, target)
		// Publish the ref at its last good position so the resolution PR
		// has something to target.
		if err := e.repo.Push(ctx, fwdName, fwdName); err != nil {
			return false, err
		}
		return true, nil
	}

	if result.AlreadyUpToDate {
		// Replay of a hop an earlier invocation finished.
		tip, err := e.repo.RevParse(ctx, "HEAD")
		if err != nil {
			return false, err
		}
		*tracking = tip
	} else {
		*tracking = result.Commit
	}
	if err := e.repo.Push(ctx, fwdName, fwdName); err != nil {
		return false, err
	}
	return false, nil
}

// hopBase picks the starting point for a new merge-forward ref: the target's
// known-good pointer, or the branch tip for terminal branches and branches
// whose pointer does not exist yet.
func (e *Executor) hopBase(ctx context.Context, target string) (string, error) {
	if !e.chain.IsTerminal(target) {
		kgHash, ok, err := e.repo.RemoteRefExists(ctx, refname.KnownGood(target))
		if err != nil {
			return "", err
		}
		if ok {
			return kgHash, nil
		}
	}
	return e.repo.RevParse(ctx, e.repo.RemoteRefName(target))
}

// foldBranch lands commit on branch: fast-forward when possible, a merge
// commit when the branch advanced concurrently. A content conflict here is
// not an expected conflict — the fold merges a commit that was based on the
// branch's own known-good history — so it surfaces as a fatal error.
func (e *Executor) foldBranch(ctx context.Context, branch, commit, id string, author gitx.Author) error {
	tipRef := e.repo.RemoteRefName(branch)
	ok, err := e.repo.IsAncestor(ctx, tipRef, commit)
	if err != nil {
		return err
	}
	if ok {
		return e.repo.Push(ctx, commit, branch)
	}

	local := "cascade/fold/" + branch
	if err := e.repo.CheckoutAt(ctx, local, tipRef); err != nil {
		return err
	}
	defer e.repo.DeleteLocalBranch(ctx, local)
	result, err := e.repo.MergeNoFF(ctx, commit, fmt.Sprintf("Land change %s on %s", id, branch), author)
	if err != nil {
		return err
	}
	if result.Conflicted {
		return fmt.Errorf("landing change %s on %s conflicted unexpectedly; operator intervention required", id, branch)
	}
	if result.AlreadyUpToDate {
		// Replay: the branch already contains the commit.
		return nil
	}
	return e.repo.Push(ctx, "HEAD", branch)
}

// foldRemaining lands any merge-forward refs of the change that this run did
// not touch. They exist when a previous invocation completed hops and died
// before landing them.
func (e *Executor) foldRemaining(ctx context.Context, id string, landedAt map[string]string, author gitx.Author) error {
	refs, err := e.repo.ListRemoteRefs(ctx, "mergefwd/"+id+"/*")
	if err != nil {
		return err
	}
	for _, ref := range refs {
		mf, ok := refname.ParseMergeForward(ref.Name)
		if !ok || !e.chain.Contains(mf.Target) {
			continue
		}
		if _, done := landedAt[mf.Target]; done {
			continue
		}
		debug.Logf("forward: landing stranded ref %s\n", ref.Name)
		if err := e.foldBranch(ctx, mf.Target, ref.Hash, id, author); err != nil {
			return err
		}
		landedAt[mf.Target] = ref.Hash
	}
	return nil
}

// deleteSourceHead removes the change's source branch once the journey is
// complete. Quarantine-named sources belong to the lifecycle maintainer, and
// chain branches are never deleted.
func (e *Executor) deleteSourceHead(ctx context.Context, change trigger.Change) error {
	src := change.Source
	if src == "" || refname.IsQuarantine(src) || e.chain.Contains(src) {
		return nil
	}
	if _, ok := refname.ParseMergeForward(src); ok {
		return nil
	}
	return e.repo.PushDelete(ctx, src)
}

// quarantine parks a conflict: it files (or finds) the tracking issue,
// plants one quarantine marker on every branch already carrying the change,
// and writes the machine-parseable report into the issue body. The marker on
// the conflicted hop's source branch is the primary one recorded in the
// report; the others exist so upstream branches' safe-advancement scans see
// the conflict on their own history.
func (e *Executor) quarantine(ctx context.Context, change trigger.Change, id, src, target string, landedAt map[string]string) (*tracker.Issue, error) {
	report := tracker.ConflictReport{
		ChangeID:     id,
		ChangeTitle:  change.Title,
		Author:       change.Author,
		SourceBranch: src,
		TargetBranch: target,
		ResumeRef:    refname.MergeForward(id, target),
	}

	issue, err := e.findOpenIssue(ctx, id, target)
	if err != nil {
		return nil, err
	}
	if issue == nil {
		issue, err = e.track.CreateIssue(ctx, report.Title(), []string{e.label})
		if err != nil {
			return nil, err
		}
	}

	issueID := strconv.Itoa(issue.Number)
	for branch, entry := range landedAt {
		name := refname.Quarantine(issueID, id, branch, target)
		if err := e.repo.Push(ctx, entry, name); err != nil {
			return nil, err
		}
	}

	report.QuarantineRef = refname.Quarantine(issueID, id, src, target)
	if err := e.track.UpdateIssue(ctx, issue.Number, report.Body(), change.Author); err != nil {
		return nil, err
	}
	return issue, nil
}

// findOpenIssue looks for an existing open conflict issue for the same
// change and hop, so a replayed run does not file duplicates.
func (e *Executor) findOpenIssue(ctx context.Context, id, target string) (*tracker.Issue, error) {
	issues, err := e.track.ListOpenIssues(ctx, e.label)
	if err != nil {
		return nil, err
	}
	for i := range issues {
		report, ok := tracker.ParseReport(issues[i].Body)
		if ok && report.ChangeID == id && report.TargetBranch == target {
			return &issues[i], nil
		}
	}
	return nil, nil
}
