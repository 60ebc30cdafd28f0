package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/config"
	"github.com/roach88/diamondctl/internal/deploy"
	"github.com/roach88/diamondctl/internal/workflow"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose       bool
	Format        string // "json" | "text"
	Network       string
	Store         string // "file" | "sqlite" | "postgres"
	CheckpointDir string
	Database      string

	// Settings is read from the environment before any command runs.
	// Non-empty flags above override it.
	Settings config.Settings

	// Backend, Clock and RunIDs override the defaults (for testing).
	// A non-nil Backend is used for live and dry runs alike.
	Backend deploy.Backend
	Clock   checkpoint.Clock
	RunIDs  workflow.RunIDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the diamondctl CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diamondctl",
		Short: "Checkpointed diamond deployments and upgrades",
		Long: `diamondctl deploys and upgrades a diamond-pattern smart-contract system.

Every workflow persists a checkpoint after each step. A run that fails or is
interrupted resumes from the first unfinished step on the next invocation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.loadSettings()
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Network, "network", "", "network name (default $"+config.EnvNetwork+")")
	cmd.PersistentFlags().StringVar(&opts.Store, "store", "", "checkpoint store: file|sqlite|postgres (default $"+config.EnvStore+" or file)")
	cmd.PersistentFlags().StringVar(&opts.CheckpointDir, "checkpoint-dir", "", "checkpoint directory for the file store (default "+config.DefaultCheckpointDir+")")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "SQLite path or Postgres URL (default $"+config.EnvDatabaseURL+")")

	cmd.AddCommand(NewDeployCommand(opts))
	cmd.AddCommand(NewUpgradeConfigsCommand(opts))
	cmd.AddCommand(NewUpgradeTupCommand(opts))
	cmd.AddCommand(NewCheckpointsCommand(opts))
	cmd.AddCommand(NewStepsCommand(opts))

	return cmd
}

// loadSettings reads the environment and applies the global flags on top.
func (o *RootOptions) loadSettings() error {
	s, err := config.FromEnv()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid environment", err)
	}
	if o.Network != "" {
		s.Network = o.Network
	}
	if o.Store != "" {
		s.Store = o.Store
	}
	if o.CheckpointDir != "" {
		s.CheckpointDir = o.CheckpointDir
	}
	if o.Database != "" {
		s.DatabaseURL = o.Database
	}
	if err := s.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid store settings", err)
	}
	o.Settings = s
	return nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
