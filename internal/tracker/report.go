package tracker

import (
	"fmt"
	"strings"
)

// ConflictReport is the structured content of a conflict tracking issue.
// The rendered body embeds the fields as labeled backtick values so that a
// later run (or external tooling) can parse them back out and attribute the
// human's resolution to the original change.
type ConflictReport struct {
	ChangeID      string
	ChangeTitle   string
	Author        string
	SourceBranch  string
	TargetBranch  string
	QuarantineRef string
	ResumeRef     string // the merge-forward ref the resolution PR must target
}

// Title renders the issue title.
func (r ConflictReport) Title() string {
	title := fmt.Sprintf("Merge conflict: %s -> %s (change %s)", r.SourceBranch, r.TargetBranch, r.ChangeID)
	if r.ChangeTitle != "" {
		title += ": " + r.ChangeTitle
	}
	return title
}

// Body renders the issue body. The bullet list is the machine-parseable
// section; ParseReport depends on its exact shape.
func (r ConflictReport) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Forward-merging change #%s from `%s` into `%s` hit conflicts that need manual resolution.\n\n",
		r.ChangeID, r.SourceBranch, r.TargetBranch)
	fmt.Fprintf(&b, "- Change: `%s`\n", r.ChangeID)
	fmt.Fprintf(&b, "- Source branch: `%s`\n", r.SourceBranch)
	fmt.Fprintf(&b, "- Target branch: `%s`\n", r.TargetBranch)
	fmt.Fprintf(&b, "- Quarantine ref: `%s`\n", r.QuarantineRef)
	fmt.Fprintf(&b, "- Resume target: `%s`\n", r.ResumeRef)
	b.WriteString("\nTo resolve:\n\n")
	fmt.Fprintf(&b, "    git fetch origin\n")
	fmt.Fprintf(&b, "    git checkout -b resolve-conflict-%s origin/%s\n", r.ChangeID, r.QuarantineRef)
	fmt.Fprintf(&b, "    git merge origin/%s\n", r.TargetBranch)
	b.WriteString("    # fix the conflicts, commit, push\n\n")
	fmt.Fprintf(&b, "Then open a pull request targeting `%s`. Once it merges, the forward merge resumes automatically and this issue is closed.\n", r.ResumeRef)
	return b.String()
}

// ParseReport extracts the machine-parseable fields from an issue body.
// Bodies that were not produced by Body (or were edited beyond recognition)
// yield ok=false.
func ParseReport(body string) (ConflictReport, bool) {
	fields := map[string]string{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "- "), ": ")
		if !ok {
			continue
		}
		fields[key] = strings.Trim(value, "`")
	}
	r := ConflictReport{
		ChangeID:      fields["Change"],
		SourceBranch:  fields["Source branch"],
		TargetBranch:  fields["Target branch"],
		QuarantineRef: fields["Quarantine ref"],
		ResumeRef:     fields["Resume target"],
	}
	if r.ChangeID == "" || r.QuarantineRef == "" || r.ResumeRef == "" {
		return ConflictReport{}, false
	}
	return r, true
}
