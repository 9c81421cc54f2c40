package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the steward daemon: scheduler, merge steward, docs steward",
	RunE:  runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	d, err := buildDeps(workspaceRoot)
	if err != nil {
		return err
	}
	log := d.log
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := d.buildScheduler()
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	log.Info("steward daemon started", zap.String("workspace", workspaceRoot))

	if d.hub != nil {
		go d.hub.Run()
		server := &http.Server{Addr: d.cfg.EventStream.Addr, Handler: d.hub}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("event stream server exited", zap.Error(err))
			}
		}()
		defer func() {
			d.hub.Stop()
			_ = server.Close()
		}()
	}

	<-ctx.Done()
	log.Info("shutting down steward daemon")
	sched.Stop()
	return nil
}
