// Package advance computes how far a branch's known-good pointer may move.
//
// A known-good pointer marks the newest commit on a branch that is known to
// merge cleanly through every remaining hop of the chain. Quarantine refs are
// the evidence against advancement: the scan below walks the branch's new
// commits oldest-first and stops at the first one marked by any relevant
// unresolved conflict. The oldest relevant conflict always wins; loosening
// that, or the ancestor backstop at the end, reintroduces the cross-change
// contamination this design exists to prevent.
package advance

import (
	"context"
	"fmt"
	"slices"

	"github.com/cascade-bot/cascade/internal/chain"
	"github.com/cascade-bot/cascade/internal/debug"
	"github.com/cascade-bot/cascade/internal/gitx"
	"github.com/cascade-bot/cascade/internal/refname"
)

// Advancement is the calculator's verdict for one branch.
type Advancement struct {
	Branch  string
	Commit  string // new safe point when Advance is true
	Advance bool
	Reason  string // why no advancement is possible, when Advance is false
}

// relevance matches quarantine refs against the portion of the chain that
// still lies downstream of the branch under evaluation.
type relevance struct {
	targets map[string]bool
}

// newRelevance builds the pattern net for branch: a marker is relevant when
// the conflicted hop's target still lies downstream, no matter which branch
// the conflicted merge started from. The executor plants a marker on every
// branch carrying a conflicted change, each naming that hop's target, so a
// conflict several hops downstream shows up on this branch's own history. A
// commit here only counts as known-good once it clears the whole chain.
func newRelevance(ch *chain.Chain, branch string) relevance {
	targets := map[string]bool{}
	for _, dst := range ch.Downstream(branch) {
		targets[dst] = true
	}
	return relevance{targets: targets}
}

// matches reports whether a decoration ref name is a relevant quarantine
// marker. Quarantine refs that do not decode (legacy or foreign formats) are
// treated as relevant unconditionally; guessing that an unreadable marker is
// harmless would be the unsafe direction.
func (r relevance) matches(ref string) bool {
	if !refname.IsQuarantine(ref) {
		return false
	}
	q, ok := refname.ParseQuarantine(ref)
	if !ok {
		return true
	}
	return r.targets[q.Target]
}

// SafePoint computes the newest commit on branch not shadowed by any
// unresolved conflict in the remaining chain. Callers must have fetched
// before calling; the scan reads remote-tracking state only.
func SafePoint(ctx context.Context, repo *gitx.Repo, ch *chain.Chain, branch string) (Advancement, error) {
	if ch.IsTerminal(branch) {
		return Advancement{}, fmt.Errorf("terminal branch %s has no known-good pointer", branch)
	}

	kgHash, kgExists, err := repo.RemoteRefExists(ctx, refname.KnownGood(branch))
	if err != nil {
		return Advancement{}, err
	}

	from := ""
	if kgExists {
		from = kgHash
	}
	entries, err := repo.LogRange(ctx, from, repo.RemoteRefName(branch))
	if err != nil {
		return Advancement{}, err
	}
	if len(entries) == 0 {
		return Advancement{Branch: branch, Reason: "already up to date"}, nil
	}
	slices.Reverse(entries) // oldest first

	rel := newRelevance(ch, branch)
	cutoff := -1
scan:
	for i, e := range entries {
		for _, ref := range e.Refs {
			if rel.matches(ref) {
				debug.Logf("advance: %s blocked at %s by %s\n", branch, e.Hash, ref)
				cutoff = i
				break scan
			}
		}
	}

	if cutoff == -1 {
		return Advancement{Branch: branch, Commit: entries[len(entries)-1].Hash, Advance: true}, nil
	}
	if cutoff < 2 {
		// Not enough clean history before the conflict to move into.
		return Advancement{Branch: branch, Reason: "unresolved conflict adjacent to known-good pointer"}, nil
	}

	// Walk back to a candidate the pointer can actually fast-forward to.
	// History rewrites between runs can leave range commits that no longer
	// descend from the pointer.
	for j := cutoff - 1; j >= 0; j-- {
		if !kgExists {
			return Advancement{Branch: branch, Commit: entries[j].Hash, Advance: true}, nil
		}
		ok, err := repo.IsAncestor(ctx, kgHash, entries[j].Hash)
		if err != nil {
			return Advancement{}, err
		}
		if ok {
			return Advancement{Branch: branch, Commit: entries[j].Hash, Advance: true}, nil
		}
	}
	return Advancement{Branch: branch, Reason: "no candidate descends from the known-good pointer"}, nil
}
