package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cascade-bot/cascade/internal/chain"
	"github.com/cascade-bot/cascade/internal/config"
	"github.com/cascade-bot/cascade/internal/debug"
	"github.com/cascade-bot/cascade/internal/gitx"
	"github.com/cascade-bot/cascade/internal/telemetry"
	"github.com/cascade-bot/cascade/internal/tracker"
)

var (
	configPath  string
	repoPath    string
	verboseFlag bool // Enable verbose/debug output
	quietFlag   bool // Suppress non-essential output

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "cascade",
	Short: "cascade - forward-merge automation for release branch chains",
	Long: `Propagates merged changes through an ordered chain of release branches,
quarantining conflicts behind durable refs and tracking issues so one stuck
change never blocks the rest of the train.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("cascade version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
		if err := telemetry.Init(rootCtx, "cascade", Version); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: telemetry init failed: %v\n", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to cascade.yaml (default: nearest in parent directories)")
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", ".", "Path to the git clone to operate in")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

// loadSetup resolves configuration and opens the working clone. Every
// subcommand starts here.
func loadSetup(ctx context.Context) (*config.Config, *chain.Chain, *gitx.Repo, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	ch, err := chain.Load(cfg.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	repo, err := gitx.Open(ctx, repoPath, cfg.Remote)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, ch, repo, nil
}

// newTracker builds the GitHub tracker client, validating credentials first.
func newTracker(cfg *config.Config) (tracker.Tracker, error) {
	if err := cfg.RequireTracker(); err != nil {
		return nil, err
	}
	return tracker.NewGitHub(cfg.Tracker.Token, cfg.Tracker.Owner, cfg.Tracker.Repo), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
