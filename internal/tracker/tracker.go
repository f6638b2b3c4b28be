// Package tracker files and manages the tracking issues that represent
// unresolved forward-merge conflicts. Issues are the human-facing half of a
// quarantine: the ref marks the commit, the issue carries the instructions
// and the machine-parseable pointers other tooling needs to attribute the
// eventual resolution back to the original change.
package tracker

import "context"

// Issue is the subset of tracker state cascade cares about.
type Issue struct {
	Number   int
	Title    string
	Body     string
	State    string // "open" or "closed"
	Labels   []string
	Assignee string
	HTMLURL  string
}

// Tracker is the issue-tracker port. Implementations must be safe to call
// repeatedly with the same arguments; a replayed run may retry any of these.
type Tracker interface {
	// CreateIssue files a new issue and returns it with its number assigned.
	CreateIssue(ctx context.Context, title string, labels []string) (*Issue, error)

	// UpdateIssue replaces an issue's body and assignee.
	UpdateIssue(ctx context.Context, number int, body, assignee string) error

	// ListOpenIssues returns open issues carrying the given label.
	ListOpenIssues(ctx context.Context, label string) ([]Issue, error)

	// CloseIssue closes an issue. Closing an already-closed issue is not an
	// error.
	CloseIssue(ctx context.Context, number int) error
}
