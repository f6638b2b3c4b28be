package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cascade-bot/cascade/internal/debug"
	"github.com/cascade-bot/cascade/internal/forward"
	"github.com/cascade-bot/cascade/internal/lifecycle"
	"github.com/cascade-bot/cascade/internal/trigger"
	"github.com/cascade-bot/cascade/internal/ui"
)

var runChange trigger.Change

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Propagate one merged change through the branch chain",
	Long: `Invoked by CI when a pull request closes. Flags take precedence; unset
fields fall back to the CASCADE_CHANGE_* environment variables the workflow
exports.

A quarantined conflict is a successful run: the exit code stays zero and the
tracking issue carries the resolution instructions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		change := trigger.FromEnv(runChange)
		if !change.Merged {
			debug.PrintNormal("%s change %s closed without merging; nothing to do\n",
				ui.Render(ui.MutedStyle, ui.IconInfo), change.ID)
			return nil
		}

		cfg, ch, repo, err := loadSetup(rootCtx)
		if err != nil {
			return err
		}
		track, err := newTracker(cfg)
		if err != nil {
			return err
		}

		executor := forward.New(repo, track, ch, cfg.Tracker.Label)
		outcome, err := executor.Run(rootCtx, change)
		if err != nil {
			return err
		}

		switch outcome.State {
		case forward.Skipped:
			debug.PrintNormal("%s change %s skipped: %s\n",
				ui.Render(ui.MutedStyle, ui.IconInfo), outcome.ChangeID, outcome.Reason)
			return nil

		case forward.Blocked:
			debug.PrintNormal("%s change %s blocked at %s\n",
				ui.Render(ui.WarnStyle, ui.IconWarn), outcome.ChangeID,
				ui.Render(ui.AccentStyle, outcome.Branch))
			for _, b := range outcome.Landed {
				debug.PrintNormal("  %s landed on %s\n", ui.Render(ui.PassStyle, ui.IconPass), b)
			}
			debug.PrintNormal("  conflict issue: %s\n", issueRef(outcome.IssueNumber, outcome.IssueURL))
			return nil

		case forward.Completed:
			maintainer := lifecycle.New(repo, track, ch, cfg.Tracker.Label)
			report, err := maintainer.Finalize(rootCtx, change)
			if err != nil {
				return err
			}
			debug.PrintNormal("%s change %s reached %s\n",
				ui.Render(ui.PassStyle, ui.IconPass), outcome.ChangeID,
				ui.Render(ui.AccentStyle, ch.Terminal()))
			for _, b := range outcome.Landed {
				debug.PrintNormal("  %s landed on %s\n", ui.Render(ui.PassStyle, ui.IconPass), b)
			}
			if report.ClosedIssue != 0 {
				debug.PrintNormal("  %s closed conflict issue #%d\n",
					ui.Render(ui.PassStyle, ui.IconPass), report.ClosedIssue)
			}
			printAdvancements(report.Advancements)
			return nil
		}
		return fmt.Errorf("unexpected outcome state %v", outcome.State)
	},
}

func issueRef(number int, url string) string {
	if url != "" {
		return url
	}
	return fmt.Sprintf("#%d", number)
}

func init() {
	runCmd.Flags().StringVar(&runChange.ID, "change-id", "", "Pull request number or equivalent id")
	runCmd.Flags().StringVar(&runChange.Author, "author", "", "Tracker login of the change author")
	runCmd.Flags().StringVar(&runChange.Title, "title", "", "Human title of the change")
	runCmd.Flags().StringVar(&runChange.Source, "source", "", "Head branch of the pull request")
	runCmd.Flags().StringVar(&runChange.Target, "target", "", "Base branch the pull request merged into")
	runCmd.Flags().StringVar(&runChange.Head, "head", "", "Head commit of the pull request itself, not the target's merge commit")
	runCmd.Flags().BoolVar(&runChange.Merged, "merged", false, "Whether the pull request was merged (vs closed)")
	rootCmd.AddCommand(runCmd)
}
