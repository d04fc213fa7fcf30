package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/modhost/internal/app"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(opts *options) *cobra.Command {
	var watch, lazy bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load and activate modules, then serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("watch") {
				opts.cfg.Modules.Watch = watch
			}
			if cmd.Flags().Changed("lazy") {
				opts.cfg.Modules.Lazy = lazy
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTelemetry, err := app.SetupTelemetry(ctx, opts.cfg.Telemetry)
			if err != nil {
				return err
			}
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := shutdownTelemetry(flushCtx); err != nil {
					opts.logger.Warn("telemetry shutdown", "error", err)
				}
			}()

			host := app.New(opts.cfg, app.WithLogger(opts.logger))
			if err := host.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			opts.logger.Info("shutting down")

			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return host.Shutdown(stopCtx)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Reload modules when their directories change")
	cmd.Flags().BoolVar(&lazy, "lazy", false, "Defer loading each module until first use")
	return cmd
}
