package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var scanDocsCmd = &cobra.Command{
	Use:   "scan-docs",
	Short: "Run the docs steward's verification passes once and print any issues",
	RunE:  runScanDocs,
}

func runScanDocs(cmd *cobra.Command, args []string) error {
	d, err := buildDeps(workspaceRoot)
	if err != nil {
		return err
	}
	defer d.log.Sync()

	result, err := d.docsSteward.ScanAll(context.Background())
	if err != nil {
		return fmt.Errorf("scanning docs: %w", err)
	}

	fmt.Printf("scanned %d files in %dms, found %d issue(s)\n", result.FilesScanned, result.DurationMs, len(result.Issues))
	for _, issue := range result.Issues {
		fmt.Printf("  [%s/%s] %s:%d %s\n", issue.Confidence, issue.Complexity, issue.File, issue.Line, issue.Description)
		if issue.SuggestedFix != "" {
			fmt.Printf("      suggested fix: %s\n", issue.SuggestedFix)
		}
	}
	return nil
}
