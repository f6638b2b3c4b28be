package main

import (
	"github.com/spf13/cobra"

	"github.com/cascade-bot/cascade/internal/debug"
	"github.com/cascade-bot/cascade/internal/refname"
	"github.com/cascade-bot/cascade/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show in-flight merges, quarantined conflicts, and known-good pointers",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ch, repo, err := loadSetup(rootCtx)
		if err != nil {
			return err
		}

		debug.PrintNormal("%s\n", ui.Render(ui.HeaderStyle, "Chain"))
		for _, b := range ch.Branches() {
			marker := "->"
			if ch.IsTerminal(b) {
				marker = "**"
			}
			debug.PrintNormal("  %s %s\n", ui.Render(ui.MutedStyle, marker), b)
		}

		fwd, err := repo.ListRemoteRefs(rootCtx, "mergefwd/*")
		if err != nil {
			return err
		}
		debug.PrintNormal("\n%s\n", ui.Render(ui.HeaderStyle, "In-flight merges"))
		if len(fwd) == 0 {
			debug.PrintNormal("  %s\n", ui.Render(ui.MutedStyle, "none"))
		}
		for _, ref := range fwd {
			mf, ok := refname.ParseMergeForward(ref.Name)
			if !ok {
				debug.PrintNormal("  %s %s (unrecognized)\n", ui.Render(ui.WarnStyle, ui.IconWarn), ref.Name)
				continue
			}
			debug.PrintNormal("  %s change %s -> %s (%s)\n",
				ui.Render(ui.AccentStyle, ui.IconInfo), mf.ChangeID, mf.Target, shortHash(ref.Hash))
		}

		quarantined, err := repo.ListRemoteRefs(rootCtx, "mergeconflict/*")
		if err != nil {
			return err
		}
		debug.PrintNormal("\n%s\n", ui.Render(ui.HeaderStyle, "Quarantined conflicts"))
		if len(quarantined) == 0 {
			debug.PrintNormal("  %s\n", ui.Render(ui.MutedStyle, "none"))
		}
		for _, ref := range quarantined {
			q, ok := refname.ParseQuarantine(ref.Name)
			if !ok {
				debug.PrintNormal("  %s %s (legacy format)\n", ui.Render(ui.WarnStyle, ui.IconWarn), ref.Name)
				continue
			}
			debug.PrintNormal("  %s change %s: %s -> %s (issue #%s)\n",
				ui.Render(ui.FailStyle, ui.IconFail), q.ChangeID, q.Source, q.Target, q.IssueID)
		}

		debug.PrintNormal("\n%s\n", ui.Render(ui.HeaderStyle, "Known-good pointers"))
		for _, b := range ch.Branches() {
			if ch.IsTerminal(b) {
				continue
			}
			hash, exists, err := repo.RemoteRefExists(rootCtx, refname.KnownGood(b))
			if err != nil {
				return err
			}
			if !exists {
				debug.PrintNormal("  %s %s: %s\n", ui.Render(ui.WarnStyle, ui.IconWarn), b,
					ui.Render(ui.MutedStyle, "not created yet"))
				continue
			}
			debug.PrintNormal("  %s %s: %s\n", ui.Render(ui.PassStyle, ui.IconPass), b, shortHash(hash))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
