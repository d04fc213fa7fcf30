// Package cli implements the modhost command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dshills/modhost/internal/app"
	"github.com/dshills/modhost/internal/config"
)

// BuildInfo is injected via ldflags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// options holds state shared across subcommands.
type options struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd(info BuildInfo) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "modhost",
		Short:         "Host Lua modules with isolated domains and shared services",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", info.Version, info.Commit, info.Date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a TOML configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		newRunCmd(opts),
		newListCmd(opts),
		newValidateCmd(opts),
		newKeygenCmd(),
		newSignCmd(),
		newCleanupCmd(opts),
		newRecordsCmd(opts),
	)
	return root
}

// load layers configuration and builds the logger. Flags win over the
// file and the environment.
func (o *options) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	logger, err := app.NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}
