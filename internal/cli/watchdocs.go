package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stoneforge-ai/stewards/internal/common/logger"
	"github.com/stoneforge-ai/stewards/internal/docs"
)

const watchDebounce = 500 * time.Millisecond

var watchDocsCmd = &cobra.Command{
	Use:   "watch-docs",
	Short: "Watch docsDir for changes and rerun the docs steward's scan on each debounced batch",
	Long: `A local development convenience: recursively watches the configured
docsDir with fsnotify, debounces bursts of writes, reruns ScanAll, and
prints only the issues that are new or resolved since the previous scan.`,
	RunE: runWatchDocs,
}

func runWatchDocs(cmd *cobra.Command, args []string) error {
	d, err := buildDeps(workspaceRoot)
	if err != nil {
		return err
	}
	defer d.log.Sync()
	log := d.log

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating filesystem watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, filepath.Join(workspaceRoot, d.cfg.Docs.DocsDir)); err != nil {
		return fmt.Errorf("watching docs dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	previous := runDocsScan(ctx, d, log, nil)

	var debounce *time.Timer
	rescan := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if evt.Op&fsnotify.Create != 0 {
				_ = watcher.Add(evt.Name)
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case rescan <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("filesystem watch error", zap.Error(err))
		case <-rescan:
			previous = runDocsScan(ctx, d, log, previous)
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// runDocsScan reruns the docs steward's scan and prints only the issues
// that are new or resolved relative to previous, returning the new issue
// set to diff against next time.
func runDocsScan(ctx context.Context, d *deps, log *logger.Logger, previous []docs.Issue) []docs.Issue {
	result, err := d.docsSteward.ScanAll(ctx)
	if err != nil {
		log.Warn("docs scan failed", zap.Error(err))
		return previous
	}

	seenBefore := make(map[string]bool, len(previous))
	for _, issue := range previous {
		seenBefore[issueKey(issue)] = true
	}
	seenNow := make(map[string]bool, len(result.Issues))
	for _, issue := range result.Issues {
		key := issueKey(issue)
		seenNow[key] = true
		if !seenBefore[key] {
			fmt.Printf("+ %s:%d %s\n", issue.File, issue.Line, issue.Description)
		}
	}
	for _, issue := range previous {
		if !seenNow[issueKey(issue)] {
			fmt.Printf("- %s:%d %s (resolved)\n", issue.File, issue.Line, issue.Description)
		}
	}

	return result.Issues
}

func issueKey(issue docs.Issue) string {
	return issue.Type + "|" + issue.File + "|" + fmt.Sprint(issue.Line) + "|" + issue.CurrentValue
}
