// Package lifecycle retires the durable artifacts a completed change leaves
// behind and keeps the known-good pointers moving. The executor creates refs
// and issues; this package is the only place that deletes or advances them.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/cascade-bot/cascade/internal/advance"
	"github.com/cascade-bot/cascade/internal/chain"
	"github.com/cascade-bot/cascade/internal/debug"
	"github.com/cascade-bot/cascade/internal/gitx"
	"github.com/cascade-bot/cascade/internal/refname"
	"github.com/cascade-bot/cascade/internal/telemetry"
	"github.com/cascade-bot/cascade/internal/tracker"
	"github.com/cascade-bot/cascade/internal/trigger"
)

// AncestryError reports a known-good pointer that cannot fast-forward to its
// computed safe point. This means the remote's history moved in a way the
// calculator did not see; forcing the pointer would destroy the safety
// property, so callers must surface this to an operator instead.
type AncestryError struct {
	Branch    string
	Pointer   string
	Candidate string
}

func (e *AncestryError) Error() string {
	return fmt.Sprintf("known-good pointer for %s at %s is not an ancestor of computed safe point %s; refusing to move it",
		e.Branch, e.Pointer, e.Candidate)
}

// Report summarizes what a finalize pass cleaned up and advanced.
type Report struct {
	DeletedRefs  []string
	ClosedIssue  int // tracking issue closed by this pass, 0 when none
	Advancements []advance.Advancement
}

// Maintainer owns post-completion cleanup and pointer advancement.
type Maintainer struct {
	repo  *gitx.Repo
	track tracker.Tracker
	chain *chain.Chain
	label string // tracking-issue label, same one the executor files under
}

// New returns a maintainer over the given repository and tracker.
func New(repo *gitx.Repo, track tracker.Tracker, ch *chain.Chain, label string) *Maintainer {
	return &Maintainer{repo: repo, track: track, chain: ch, label: label}
}

// Finalize runs after a change completes its journey: it deletes the change's
// merge-forward refs, retires the quarantine (ref and issue) when the change
// was a conflict resolution, and rescans every known-good pointer. Assumes
// the caller fetched recently; ref deletions performed here update the local
// remote-tracking state through the push itself.
func (m *Maintainer) Finalize(ctx context.Context, change trigger.Change) (*Report, error) {
	report := &Report{}
	id := refname.OriginalChangeID(change.Source, change.Target, change.ID)

	if err := m.deleteForwardRefs(ctx, id, report); err != nil {
		return nil, err
	}
	if err := m.retireConflicts(ctx, id, report); err != nil {
		return nil, err
	}

	advancements, err := m.rescan(ctx)
	if err != nil {
		return nil, err
	}
	report.Advancements = advancements
	return report, nil
}

// Rescan fetches and advances every known-good pointer that has new provably
// safe history. Runs standalone on a schedule as well as after each change.
func (m *Maintainer) Rescan(ctx context.Context) ([]advance.Advancement, error) {
	if err := m.repo.Fetch(ctx); err != nil {
		return nil, err
	}
	return m.rescan(ctx)
}

func (m *Maintainer) rescan(ctx context.Context) ([]advance.Advancement, error) {
	var advancements []advance.Advancement
	for _, branch := range m.chain.Branches() {
		if m.chain.IsTerminal(branch) {
			continue
		}
		adv, err := advance.SafePoint(ctx, m.repo, m.chain, branch)
		if err != nil {
			return nil, err
		}
		if adv.Advance {
			if err := m.moveKnownGood(ctx, branch, adv.Commit); err != nil {
				return nil, err
			}
		}
		advancements = append(advancements, adv)
	}
	return advancements, nil
}

// moveKnownGood fast-forwards (or creates) a known-good pointer. The pointer
// only ever moves forward along the branch's history.
func (m *Maintainer) moveKnownGood(ctx context.Context, branch, commit string) error {
	name := refname.KnownGood(branch)
	hash, exists, err := m.repo.RemoteRefExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		if hash == commit {
			return nil
		}
		ok, err := m.repo.IsAncestor(ctx, hash, commit)
		if err != nil {
			return err
		}
		if !ok {
			return &AncestryError{Branch: branch, Pointer: hash, Candidate: commit}
		}
	}
	debug.Logf("lifecycle: advancing %s to %s\n", name, commit)
	if err := m.repo.Push(ctx, commit, name); err != nil {
		return err
	}
	telemetry.CountAdvancement(ctx, branch)
	return nil
}

// deleteForwardRefs removes every merge-forward ref belonging to a change.
func (m *Maintainer) deleteForwardRefs(ctx context.Context, changeID string, report *Report) error {
	refs, err := m.repo.ListRemoteRefs(ctx, "mergefwd/"+changeID+"/*")
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := m.repo.PushDelete(ctx, ref.Name); err != nil {
			return err
		}
		report.DeletedRefs = append(report.DeletedRefs, ref.Name)
	}
	return nil
}

// retireConflicts closes out any open conflict filed for the change and
// deletes every quarantine marker planted for it, one per branch the change
// had landed on. The lookup goes through the issue bodies rather than the
// trigger's source branch because a resolution PR normally comes from a
// freshly named branch, not from the quarantine ref itself.
func (m *Maintainer) retireConflicts(ctx context.Context, changeID string, report *Report) error {
	issues, err := m.track.ListOpenIssues(ctx, m.label)
	if err != nil {
		return err
	}
	for i := range issues {
		parsed, ok := tracker.ParseReport(issues[i].Body)
		if !ok || parsed.ChangeID != changeID {
			continue
		}
		if err := m.track.CloseIssue(ctx, issues[i].Number); err != nil {
			return err
		}
		report.ClosedIssue = issues[i].Number
		pattern := fmt.Sprintf("mergeconflict/%d/%s/*", issues[i].Number, changeID)
		markers, err := m.repo.ListRemoteRefs(ctx, pattern)
		if err != nil {
			return err
		}
		for _, marker := range markers {
			if err := m.repo.PushDelete(ctx, marker.Name); err != nil {
				return err
			}
			report.DeletedRefs = append(report.DeletedRefs, marker.Name)
		}
	}
	return nil
}
