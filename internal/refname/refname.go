// Package refname encodes and decodes the ref-name formats cascade uses as
// durable storage. Branches are the only state that survives between runs, so
// these formats are a wire protocol: external tooling and manual recovery
// scripts construct and parse them too.
//
// Formats:
//
//	mergefwd/<changeID>/<targetBranch>
//	mergeconflict/<issueID>/<changeID>/<sourceBranch>/to/<targetBranch>
//	known-good/<branch>
//
// Decode functions are total: a malformed or foreign name yields a zero value
// and ok=false, never a panic or error.
package refname

import "strings"

const (
	mergeForwardPrefix = "mergefwd/"
	quarantinePrefix   = "mergeconflict/"
	knownGoodPrefix    = "known-good/"
)

// MergeForwardRef is the decoded form of a merge-forward ref name.
type MergeForwardRef struct {
	ChangeID string
	Target   string
}

// QuarantineRef is the decoded form of a conflict-quarantine ref name.
type QuarantineRef struct {
	IssueID  string
	ChangeID string
	Source   string
	Target   string
}

// MergeForward returns the ref name tracking changeID's in-flight merge
// toward target.
func MergeForward(changeID, target string) string {
	return mergeForwardPrefix + changeID + "/" + target
}

// ParseMergeForward decodes a merge-forward ref name. Target branches may
// contain slashes; the change id may not.
func ParseMergeForward(name string) (MergeForwardRef, bool) {
	rest, ok := strings.CutPrefix(stripRefPrefixes(name), mergeForwardPrefix)
	if !ok {
		return MergeForwardRef{}, false
	}
	changeID, target, ok := strings.Cut(rest, "/")
	if !ok || changeID == "" || target == "" {
		return MergeForwardRef{}, false
	}
	return MergeForwardRef{ChangeID: changeID, Target: target}, true
}

// Quarantine returns the ref name marking an unresolved conflict hit while
// merging source into target, linked to the given tracking issue.
func Quarantine(issueID, changeID, source, target string) string {
	return quarantinePrefix + issueID + "/" + changeID + "/" + source + "/to/" + target
}

// ParseQuarantine decodes a quarantine ref name. The source branch may
// contain slashes (including "/to/" segments); the target is everything after
// the last "/to/" separator.
func ParseQuarantine(name string) (QuarantineRef, bool) {
	rest, ok := strings.CutPrefix(stripRefPrefixes(name), quarantinePrefix)
	if !ok {
		return QuarantineRef{}, false
	}
	issueID, rest, ok := strings.Cut(rest, "/")
	if !ok || issueID == "" {
		return QuarantineRef{}, false
	}
	changeID, rest, ok := strings.Cut(rest, "/")
	if !ok || changeID == "" {
		return QuarantineRef{}, false
	}
	sep := strings.LastIndex(rest, "/to/")
	if sep <= 0 || sep+len("/to/") >= len(rest) {
		return QuarantineRef{}, false
	}
	return QuarantineRef{
		IssueID:  issueID,
		ChangeID: changeID,
		Source:   rest[:sep],
		Target:   rest[sep+len("/to/"):],
	}, true
}

// IsQuarantine reports whether name is in the quarantine namespace, whether
// or not it decodes cleanly. Callers treat undecodable quarantine refs as
// maximally relevant, so namespace membership matters independently of
// parseability.
func IsQuarantine(name string) bool {
	return strings.HasPrefix(stripRefPrefixes(name), quarantinePrefix)
}

// KnownGood returns the known-good pointer ref name for branch.
func KnownGood(branch string) string {
	return knownGoodPrefix + branch
}

// ParseKnownGood decodes a known-good pointer ref name.
func ParseKnownGood(name string) (string, bool) {
	branch, ok := strings.CutPrefix(stripRefPrefixes(name), knownGoodPrefix)
	if !ok || branch == "" {
		return "", false
	}
	return branch, true
}

// OriginalChangeID recovers the id of the change a merge event belongs to.
// A resolution merged into a merge-forward ref carries the id in its target;
// a change branched from a quarantine ref carries it in its source; anything
// else is an ordinary change and keeps the trigger-supplied id.
func OriginalChangeID(source, target, fallback string) string {
	if mf, ok := ParseMergeForward(target); ok {
		return mf.ChangeID
	}
	if q, ok := ParseQuarantine(source); ok {
		return q.ChangeID
	}
	return fallback
}

// stripRefPrefixes normalizes fully qualified and remote-tracking ref names
// ("refs/heads/x", "refs/remotes/origin/x", "origin/x") down to the bare
// name. Log decorations and ls-remote output arrive in these forms.
func stripRefPrefixes(name string) string {
	if rest, ok := strings.CutPrefix(name, "refs/"); ok {
		switch {
		case strings.HasPrefix(rest, "heads/"):
			return strings.TrimPrefix(rest, "heads/")
		case strings.HasPrefix(rest, "remotes/"):
			rest = strings.TrimPrefix(rest, "remotes/")
			if _, bare, ok := strings.Cut(rest, "/"); ok {
				return bare
			}
			return rest
		default:
			return rest
		}
	}
	// Short remote-tracking form: the namespace prefixes never appear as a
	// second path segment in our own formats, so one leading segment before
	// a recognized prefix is a remote name.
	if i := strings.Index(name, "/"); i > 0 {
		rest := name[i+1:]
		if strings.HasPrefix(rest, mergeForwardPrefix) ||
			strings.HasPrefix(rest, quarantinePrefix) ||
			strings.HasPrefix(rest, knownGoodPrefix) {
			return rest
		}
	}
	return name
}
