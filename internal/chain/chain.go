// Package chain models the ordered sequence of release branches a change is
// forward-merged through. The chain is defined in a version-controlled
// cascade.yaml so every clone and CI runner sees the same ordering.
package chain

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// branchNamePattern validates git branch names.
// Based on git-check-ref-format rules.
var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*[a-zA-Z0-9]$`)

// ValidateBranchName checks if a branch name is valid according to git rules.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name is empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("branch name too long (max 255 characters)")
	}
	if !branchNamePattern.MatchString(name) {
		return fmt.Errorf("invalid branch name %q: must start and end with alphanumeric, can contain .-_/ in middle", name)
	}
	if name == "HEAD" {
		return fmt.Errorf("invalid branch name: HEAD is reserved")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("invalid branch name %q: cannot contain '..'", name)
	}
	if name[0] == '/' || name[len(name)-1] == '/' {
		return fmt.Errorf("invalid branch name %q: cannot start or end with '/'", name)
	}
	return nil
}

// Chain is an ordered list of branches, each mapping to exactly one
// downstream successor except the last (terminal) branch. Immutable once
// constructed.
type Chain struct {
	branches []string
	index    map[string]int
}

// New builds a chain from an ordered branch list.
func New(branches []string) (*Chain, error) {
	if len(branches) < 2 {
		return nil, fmt.Errorf("chain needs at least two branches, got %d", len(branches))
	}
	index := make(map[string]int, len(branches))
	for i, b := range branches {
		if err := ValidateBranchName(b); err != nil {
			return nil, fmt.Errorf("chain entry %d: %w", i, err)
		}
		if _, dup := index[b]; dup {
			return nil, fmt.Errorf("chain lists branch %q twice", b)
		}
		index[b] = i
	}
	return &Chain{branches: append([]string(nil), branches...), index: index}, nil
}

type chainFile struct {
	Chain []string `yaml:"chain"`
}

// Load reads a chain definition from a YAML file of the form:
//
//	chain:
//	  - release-24.1
//	  - release-24.2
//	  - main
func Load(path string) (*Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain config: %w", err)
	}
	var cf chainFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(cf.Chain) == 0 {
		return nil, fmt.Errorf("%s does not define a chain", path)
	}
	return New(cf.Chain)
}

// Branches returns the branches in order, upstream first.
func (c *Chain) Branches() []string {
	return append([]string(nil), c.branches...)
}

// Terminal returns the last branch in the chain.
func (c *Chain) Terminal() string {
	return c.branches[len(c.branches)-1]
}

// IsTerminal reports whether branch is the chain's terminal branch.
func (c *Chain) IsTerminal(branch string) bool {
	return branch == c.Terminal()
}

// Contains reports whether branch is part of the chain.
func (c *Chain) Contains(branch string) bool {
	_, ok := c.index[branch]
	return ok
}

// Next returns the immediate downstream successor of branch.
func (c *Chain) Next(branch string) (string, bool) {
	i, ok := c.index[branch]
	if !ok || i == len(c.branches)-1 {
		return "", false
	}
	return c.branches[i+1], true
}

// Downstream returns the branches strictly after branch, in order. Empty for
// the terminal branch or a branch outside the chain.
func (c *Chain) Downstream(branch string) []string {
	i, ok := c.index[branch]
	if !ok {
		return nil
	}
	return append([]string(nil), c.branches[i+1:]...)
}
