package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cvtrack/internal/daemon"
	"cvtrack/internal/logging"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.Start(runCtx); err != nil {
				return err
			}
			status := d.Status(runCtx)
			if status.APIAddress != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "cvtrack serving on http://%s\n", status.APIAddress)
			}
			<-runCtx.Done()
			return nil
		},
	}
}
