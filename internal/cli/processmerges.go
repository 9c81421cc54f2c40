package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var processMergesCmd = &cobra.Command{
	Use:   "process-merges",
	Short: "Run the merge steward once over every task awaiting merge",
	RunE:  runProcessMerges,
}

func runProcessMerges(cmd *cobra.Command, args []string) error {
	d, err := buildDeps(workspaceRoot)
	if err != nil {
		return err
	}
	defer d.log.Sync()

	batch, err := d.mergeSteward.ProcessAllPending(context.Background())
	if err != nil {
		return fmt.Errorf("processing pending merges: %w", err)
	}

	fmt.Printf("processed %d task(s): %d merged, %d test-failed, %d conflict, %d failed\n",
		batch.TotalProcessed, batch.Merged, batch.TestFailed, batch.Conflict, batch.Failed)
	for taskID, result := range batch.Results {
		fmt.Printf("  %s: %s\n", taskID, result.Outcome)
	}
	return nil
}
