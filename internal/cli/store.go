package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/modhost/internal/module/cleanup"
	"github.com/dshills/modhost/internal/store"
	"github.com/dshills/modhost/internal/store/memory"
	"github.com/dshills/modhost/internal/store/sqlite"
)

// openStore opens the configured record store.
func openStore(ctx context.Context, opts *options) (store.Store, error) {
	if opts.cfg.Store.Path == "" {
		opts.logger.Warn("no store.path configured; records are not persisted")
		return memory.New(), nil
	}
	return sqlite.Open(ctx, opts.cfg.Store.Path)
}

func newCleanupCmd(opts *options) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Retry deleting module directories queued after failed uninstalls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			svc := cleanup.New(s,
				cleanup.WithRecords(s),
				cleanup.WithRetry(cleanup.RetryConfig{
					MaxRetries:   opts.cfg.Cleanup.MaxRetries,
					InitialDelay: opts.cfg.Cleanup.InitialDelay.Std(),
					MaxDelay:     opts.cfg.Cleanup.MaxDelay.Std(),
					Multiplier:   cleanup.DefaultRetryConfig().Multiplier,
				}),
				cleanup.WithLogger(opts.logger))

			out := cmd.OutOrStdout()
			if list {
				pending, err := svc.Pending(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PATH\tMODULE\tRETRIES\tLAST ATTEMPT")
				for _, p := range pending {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", p.Path, p.ModuleID, p.RetryCount, p.LastAttemptAt.Format(time.RFC3339))
				}
				return w.Flush()
			}

			report, err := svc.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "deleted %d, reused %d, failed %d, deferred %d, abandoned %d\n",
				len(report.Deleted), len(report.Reused), len(report.Failed), len(report.Deferred), len(report.Abandoned))
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "List the queue instead of processing it")
	return cmd
}

func newRecordsCmd(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "records",
		Short: "Show installed-module records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.ListInstalledModules(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tENABLED\tSYSTEM\tPATH")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", r.ID, r.Version, r.Enabled, r.IsSystem, r.Path)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")

	cmd.AddCommand(
		newSetEnabledCmd(opts, "enable", true),
		newSetEnabledCmd(opts, "disable", false),
	)
	return cmd
}

func newSetEnabledCmd(opts *options, name string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " ID",
		Short: strings.ToUpper(name[:1]) + name[1:] + " a module on the next start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.UpdateModuleEnabledState(cmd.Context(), args[0], enabled); err != nil {
				return fmt.Errorf("%s %s: %w", name, args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sd %s\n", name, args[0])
			return nil
		},
	}
}
