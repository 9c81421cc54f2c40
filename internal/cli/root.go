// Package cli implements stewardctl's cobra command tree: run (the
// long-lived daemon), scan-docs and process-merges (one-shot batch
// commands), and watch-docs (a local development rescan loop), following
// the pack's cobra root/rootCmd.AddCommand layout.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var workspaceRoot string

var rootCmd = &cobra.Command{
	Use:   "stewardctl",
	Short: "Run and drive the Stoneforge steward subsystem",
	Long: `stewardctl hosts the merge and docs stewards: a scheduler that fires
them on cron or event triggers, a merge steward that tests and merges
mergeable tasks, and a docs steward that finds and fixes documentation
drift.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command; it is the sole entrypoint cmd/stewardctl
// calls.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workspaceRoot, "workspace", ".", "workspace root (git repository containing docs/ and task worktrees)")
	rootCmd.AddCommand(runCmd, scanDocsCmd, processMergesCmd, watchDocsCmd)
}
