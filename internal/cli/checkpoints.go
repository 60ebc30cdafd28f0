package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/steps"
)

// DefaultMaxAgeDays is the cleanup age used when --max-age-days is not set.
const DefaultMaxAgeDays = 30

func formatterFor(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// withManager opens the configured store and runs fn against it.
func withManager(opts *RootOptions, cmd *cobra.Command, fn func(f *OutputFormatter, m *checkpoint.Manager) error) error {
	f := formatterFor(opts, cmd)
	sess, err := openSession(cmd.Context(), opts, cmd)
	if err != nil {
		return fail(f, GetExitCode(err), CodeCommand, err)
	}
	defer sess.Close()
	return fn(f, sess.manager)
}

func requireNetwork(opts *RootOptions, f *OutputFormatter) (string, error) {
	n, err := checkpoint.NormalizeNetwork(opts.Settings.Network)
	if err != nil {
		return "", fail(f, ExitCommandError, CodeValidation, fmt.Errorf("--network is required: %w", err))
	}
	return n, nil
}

// NewCheckpointsCommand creates the checkpoints command group.
func NewCheckpointsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and manage workflow checkpoints",
	}
	cmd.AddCommand(newCheckpointsListCommand(rootOpts))
	cmd.AddCommand(newCheckpointsShowCommand(rootOpts))
	cmd.AddCommand(newCheckpointsDeleteCommand(rootOpts))
	cmd.AddCommand(newCheckpointsCleanupCommand(rootOpts))
	return cmd
}

func newCheckpointsListCommand(opts *RootOptions) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints of a network, newest first",
		Example: `  diamondctl checkpoints list --network sepolia
  diamondctl checkpoints list --network sepolia --status failed`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(opts, cmd, func(f *OutputFormatter, m *checkpoint.Manager) error {
				network, err := requireNetwork(opts, f)
				if err != nil {
					return err
				}
				var filter []checkpoint.Status
				for _, s := range statuses {
					st := checkpoint.Status(s)
					if !st.Valid() {
						return fail(f, ExitCommandError, CodeValidation, fmt.Errorf("unknown status %q", s))
					}
					filter = append(filter, st)
				}

				cps, err := m.Find(cmd.Context(), network, filter...)
				if err != nil {
					return fail(f, ExitFailure, CodeInternal, err)
				}
				counts, err := m.CountByStatus(cmd.Context(), network)
				if err != nil {
					return fail(f, ExitFailure, CodeInternal, err)
				}
				view := checkpointListView{Network: network, Checkpoints: make([]checkpointSummary, 0, len(cps)), Counts: counts}
				for _, cp := range cps {
					view.Checkpoints = append(view.Checkpoints, summarize(cp))
				}
				return f.Success(view)
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only list checkpoints in this status (in-progress|completed|failed)")
	return cmd
}

func newCheckpointsShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <checkpoint-id>",
		Short:         "Show one checkpoint",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(opts, cmd, func(f *OutputFormatter, m *checkpoint.Manager) error {
				cp, err := m.Load(cmd.Context(), args[0])
				if err != nil {
					return fail(f, ExitFailure, CodeInternal, err)
				}
				if cp == nil {
					return fail(f, ExitCommandError, CodeNotFound, fmt.Errorf("checkpoint %s not found", args[0]))
				}
				return f.Success(checkpointView{cp})
			})
		},
	}
}

func newCheckpointsDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <checkpoint-id>",
		Short:         "Delete one checkpoint",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(opts, cmd, func(f *OutputFormatter, m *checkpoint.Manager) error {
				cp, err := m.Load(cmd.Context(), args[0])
				if err != nil {
					return fail(f, ExitFailure, CodeInternal, err)
				}
				if cp == nil {
					return fail(f, ExitCommandError, CodeNotFound, fmt.Errorf("checkpoint %s not found", args[0]))
				}
				if err := m.Delete(cmd.Context(), cp.ID); err != nil {
					return fail(f, ExitFailure, CodeInternal, err)
				}
				return f.Success(deleteView{ID: cp.ID})
			})
		},
	}
}

func newCheckpointsCleanupCommand(opts *RootOptions) *cobra.Command {
	var maxAge int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed checkpoints older than --max-age-days",
		Long: `Delete completed checkpoints of a network whose creation time is older than
--max-age-days. In-progress and failed checkpoints are never removed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(opts, cmd, func(f *OutputFormatter, m *checkpoint.Manager) error {
				network, err := requireNetwork(opts, f)
				if err != nil {
					return err
				}
				n, err := m.Cleanup(cmd.Context(), network, maxAge)
				if err != nil {
					return fail(f, ExitFailure, CodeInternal, err)
				}
				return f.Success(cleanupView{Network: network, MaxAgeDays: maxAge, Deleted: n})
			})
		},
	}
	cmd.Flags().IntVar(&maxAge, "max-age-days", DefaultMaxAgeDays, "minimum age of removed checkpoints")
	return cmd
}

// NewStepsCommand creates the steps command.
func NewStepsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "steps [workflow-type]",
		Short: "Print the step sequence of one or every workflow type",
		Example: `  diamondctl steps
  diamondctl steps upgradeTupProxies`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatterFor(opts, cmd)
			types := steps.Types()
			if len(args) == 1 {
				types = []checkpoint.WorkflowType{checkpoint.WorkflowType(args[0])}
			}

			var view stepsView
			for _, wt := range types {
				names, err := steps.Names(wt)
				if err != nil {
					return fail(f, ExitCommandError, CodeValidation, err)
				}
				view.Workflows = append(view.Workflows, workflowSteps{WorkflowType: wt, Steps: names})
			}
			return f.Success(view)
		},
	}
}
