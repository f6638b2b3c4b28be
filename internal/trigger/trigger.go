// Package trigger models the merge event that starts a run. The triggering
// system (CI job, webhook relay) is the source of truth for these fields;
// cascade never persists them.
package trigger

import (
	"fmt"
	"os"
	"strconv"
)

// Change is the unit being propagated through the branch chain: one merged
// pull request. Read-only for the duration of a run.
type Change struct {
	ID     string // pull request number or equivalent id
	Author string // tracker login of the author, for issue assignment
	Title  string // human title of the change
	Source string // head branch of the pull request
	Target string // base branch the pull request merged into

	// Head is the pull request's own head sha: the change's tip commit.
	// Never the merge commit the target branch gained, which also contains
	// whatever else landed on the target concurrently and would drag that
	// content into this change's merges and quarantine refs.
	Head string

	Merged bool // false when the PR was closed without merging
}

// Validate checks that the fields a run depends on are present.
func (c Change) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("change id is required")
	}
	if c.Target == "" {
		return fmt.Errorf("change target branch is required")
	}
	if c.Head == "" {
		return fmt.Errorf("change head commit is required")
	}
	return nil
}

// Environment variable names for CI-provided trigger data. Flags take
// precedence; these are the fallback so a workflow can export them once.
const (
	EnvChangeID = "CASCADE_CHANGE_ID"
	EnvAuthor   = "CASCADE_CHANGE_AUTHOR"
	EnvTitle    = "CASCADE_CHANGE_TITLE"
	EnvSource   = "CASCADE_CHANGE_SOURCE"
	EnvTarget   = "CASCADE_CHANGE_TARGET"
	EnvHead     = "CASCADE_CHANGE_HEAD"
	EnvMerged   = "CASCADE_CHANGE_MERGED"
)

// FromEnv assembles a Change from the CASCADE_CHANGE_* environment
// variables, filling only fields that are unset in base.
func FromEnv(base Change) Change {
	fill := func(dst *string, env string) {
		if *dst == "" {
			*dst = os.Getenv(env)
		}
	}
	fill(&base.ID, EnvChangeID)
	fill(&base.Author, EnvAuthor)
	fill(&base.Title, EnvTitle)
	fill(&base.Source, EnvSource)
	fill(&base.Target, EnvTarget)
	fill(&base.Head, EnvHead)
	if !base.Merged {
		if v, err := strconv.ParseBool(os.Getenv(EnvMerged)); err == nil {
			base.Merged = v
		}
	}
	return base
}
