package main

import (
	"github.com/spf13/cobra"

	"github.com/cascade-bot/cascade/internal/advance"
	"github.com/cascade-bot/cascade/internal/debug"
	"github.com/cascade-bot/cascade/internal/lifecycle"
	"github.com/cascade-bot/cascade/internal/ui"
)

var advanceCmd = &cobra.Command{
	Use:   "advance",
	Short: "Rescan branches and advance known-good pointers",
	Long: `Recomputes the safe point of every non-terminal branch and fast-forwards
its known-good pointer. Runs automatically after each completed change; run
it on a schedule as well so pointers keep up with ordinary branch activity.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, ch, repo, err := loadSetup(rootCtx)
		if err != nil {
			return err
		}
		track, err := newTracker(cfg)
		if err != nil {
			return err
		}
		maintainer := lifecycle.New(repo, track, ch, cfg.Tracker.Label)
		advancements, err := maintainer.Rescan(rootCtx)
		if err != nil {
			return err
		}
		printAdvancements(advancements)
		return nil
	},
}

func printAdvancements(advancements []advance.Advancement) {
	for _, adv := range advancements {
		if adv.Advance {
			debug.PrintNormal("  %s known-good/%s -> %s\n",
				ui.Render(ui.PassStyle, ui.IconPass), adv.Branch, shortHash(adv.Commit))
		} else {
			debug.PrintNormal("  %s known-good/%s unchanged: %s\n",
				ui.Render(ui.MutedStyle, ui.IconInfo), adv.Branch, adv.Reason)
		}
	}
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func init() {
	rootCmd.AddCommand(advanceCmd)
}
