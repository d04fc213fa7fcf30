package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/modhost/internal/app"
)

// listEntry is one module for display.
type listEntry struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	State   string `json:"state"`
	System  bool   `json:"system"`
	Path    string `json:"path"`
	Error   string `json:"error,omitempty"`
}

func newListCmd(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Load every module once and report its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *opts.cfg
			cfg.Modules.Watch = false
			cfg.Modules.Lazy = false

			host := app.New(&cfg, app.WithLogger(opts.logger))
			if err := host.Start(cmd.Context()); err != nil {
				return err
			}
			defer func() { _ = host.Shutdown(context.WithoutCancel(cmd.Context())) }()

			entries := collectEntries(host)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No modules found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tSTATE\tSYSTEM\tPATH")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", e.ID, e.Version, e.State, e.System, e.Path)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			for _, e := range entries {
				if e.Error != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", e.ID, e.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}

func collectEntries(host *app.Host) []listEntry {
	var entries []listEntry
	loaded := make(map[string]bool)
	for _, h := range host.Loader().Registry().Handles() {
		rm := h.Module()
		e := listEntry{
			ID:      rm.ID(),
			Version: rm.Descriptor.Version,
			State:   rm.State().String(),
			System:  rm.IsSystem,
			Path:    rm.Root,
		}
		if err := rm.Err(); err != nil {
			e.Error = err.Error()
		}
		loaded[rm.Root] = true
		entries = append(entries, e)
	}
	for _, f := range host.Loader().Failures() {
		if loaded[f.Path] {
			continue
		}
		entries = append(entries, listEntry{ID: f.ID, State: "failed", Path: f.Path, Error: f.Err.Error()})
	}
	return entries
}
