package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/config"
	"github.com/roach88/diamondctl/internal/deploy"
	"github.com/roach88/diamondctl/internal/workflow"
)

// workflowFlags are the flags shared by the workflow commands. Values that
// a plan file can carry are applied on top of the plan when set.
type workflowFlags struct {
	root *RootOptions
	cmd  *cobra.Command

	plan             string
	dryRun           bool
	ignoreCheckpoint bool
	resumeFrom       string

	sets []func(p *config.Plan)
}

func newWorkflowFlags(root *RootOptions, cmd *cobra.Command) *workflowFlags {
	f := &workflowFlags{root: root, cmd: cmd}
	cmd.Flags().StringVar(&f.plan, "plan", "", "plan file (.yaml, .yml, .json or .cue)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "run against an in-memory simulated chain")
	cmd.Flags().BoolVar(&f.ignoreCheckpoint, "ignore-checkpoint", false, "start fresh even if a resumable checkpoint exists")
	cmd.Flags().StringVar(&f.resumeFrom, "resume-from", "", "resume the checkpoint with this id")

	f.intVar("batch-size", func(p *config.Plan) *int { return &p.BatchSize }, "concurrent calls per batch (default 5)")
	f.intVar("confirmations", func(p *config.Plan) *int { return &p.Confirmations }, "block confirmations per transaction (default 1)")
	f.boolVar("enable-retry", func(p *config.Plan) *bool { return &p.EnableRetry }, "retry failing calls with backoff")
	f.intVar("max-retries", func(p *config.Plan) *int { return &p.MaxRetries }, "retries per call when --enable-retry is set (default 3)")
	f.boolVar("fail-on-all-targets-failed", func(p *config.Plan) *bool { return &p.FailOnAllTargetsFailed }, "fail the run when every proxy target fails")
	f.boolVar("save-output", func(p *config.Plan) *bool { return &p.SaveOutput }, "write the result document")
	f.stringVar("output", func(p *config.Plan) *string { return &p.OutputPath }, "result path, local or s3://bucket/key")
	f.boolVar("delete-on-success", func(p *config.Plan) *bool { return &p.DeleteOnSuccess }, "delete the checkpoint after a successful run")
	return f
}

func (f *workflowFlags) boolVar(name string, field func(*config.Plan) *bool, usage string) {
	v := new(bool)
	f.cmd.Flags().BoolVar(v, name, false, usage)
	f.sets = append(f.sets, func(p *config.Plan) {
		if f.cmd.Flags().Changed(name) {
			*field(p) = *v
		}
	})
}

func (f *workflowFlags) intVar(name string, field func(*config.Plan) *int, usage string) {
	v := new(int)
	f.cmd.Flags().IntVar(v, name, 0, usage)
	f.sets = append(f.sets, func(p *config.Plan) {
		if f.cmd.Flags().Changed(name) {
			*field(p) = *v
		}
	})
}

func (f *workflowFlags) stringVar(name string, field func(*config.Plan) *string, usage string) {
	v := new(string)
	f.cmd.Flags().StringVar(v, name, "", usage)
	f.sets = append(f.sets, func(p *config.Plan) {
		if f.cmd.Flags().Changed(name) {
			*field(p) = *v
		}
	})
}

func (f *workflowFlags) stringSliceVar(name string, field func(*config.Plan) *[]string, usage string) {
	v := new([]string)
	f.cmd.Flags().StringSliceVar(v, name, nil, usage)
	f.sets = append(f.sets, func(p *config.Plan) {
		if f.cmd.Flags().Changed(name) {
			*field(p) = append([]string(nil), (*v)...)
		}
	})
}

// resolve loads the plan file, if any, and applies the flags that were set.
func (f *workflowFlags) resolve(wt checkpoint.WorkflowType) (*config.Plan, error) {
	p := &config.Plan{}
	if f.plan != "" {
		loaded, err := config.LoadPlan(f.plan)
		if err != nil {
			return nil, err
		}
		if err := loaded.CheckWorkflow(wt); err != nil {
			return nil, err
		}
		p = loaded
	}
	for _, set := range f.sets {
		set(p)
	}
	return p, nil
}

func (f *workflowFlags) runOptions(ro workflow.RunOptions) workflow.RunOptions {
	ro.IgnoreCheckpoint = f.ignoreCheckpoint
	ro.ResumeFrom = f.resumeFrom
	return ro
}

// workflowFunc runs one workflow. It returns a nil view when the driver
// returned no result.
type workflowFunc func(ctx context.Context, d *workflow.Driver, signer deploy.Signer, network string, p *config.Plan) (any, error)

func (f *workflowFlags) run(cmd *cobra.Command, wt checkpoint.WorkflowType, exec workflowFunc) error {
	formatter := &OutputFormatter{
		Format:    f.root.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   f.root.Verbose,
	}

	p, err := f.resolve(wt)
	if err != nil {
		return fail(formatter, ExitCommandError, CodeCommand, err)
	}
	network := f.root.Settings.Network
	if network == "" {
		network = p.Network
	}

	sess, err := openSession(cmd.Context(), f.root, cmd)
	if err != nil {
		return fail(formatter, GetExitCode(err), CodeCommand, err)
	}
	defer sess.Close()

	d, signer, err := sess.driver(f.root, f.dryRun)
	if err != nil {
		return fail(formatter, GetExitCode(err), CodeCommand, err)
	}

	ctx, cancel := signalContext(cmd, sess.logger)
	defer cancel()

	formatter.VerboseLog("running %s on %s as %s", wt, network, signer.Address().Hex())
	view, err := exec(ctx, d, signer, network, p)
	if view != nil {
		if rerr := formatter.Success(view); rerr != nil {
			return WrapExitError(ExitFailure, "failed to render result", rerr)
		}
		if err != nil {
			// The run completed but its result document could not be saved.
			sess.logger.Error("result not saved", "error", err)
			e := WrapExitError(ExitFailure, "result not saved", err)
			e.reported = true
			return e
		}
		return nil
	}
	if err != nil {
		exitCode, code := workflowExit(err)
		return fail(formatter, exitCode, code, err)
	}
	return nil
}

// NewDeployCommand creates the deploy command.
func NewDeployCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a new system with a fresh Business Logic Resolver",
		Long: `Deploy ProxyAdmin, the Business Logic Resolver, every facet, the selected
configurations and the Factory.

Example:
  diamondctl deploy --network hardhat --dry-run
  diamondctl deploy --network sepolia --configurations equity --save-output`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := newWorkflowFlags(rootOpts, cmd)
	f.stringVar("configurations", func(p *config.Plan) *string { return &p.Configurations }, "configurations to create: equity|bond|both (default both)")
	f.boolVar("time-travel", func(p *config.Plan) *bool { return &p.UseTimeTravel }, "deploy TimeTravel facet variants")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return f.run(cmd, checkpoint.WorkflowNewBlr, func(ctx context.Context, d *workflow.Driver, signer deploy.Signer, network string, p *config.Plan) (any, error) {
			o := p.NewBlrOptions()
			o.RunOptions = f.runOptions(o.RunOptions)
			res, err := d.DeploySystemWithNewBlr(ctx, signer, network, o)
			if res == nil {
				return nil, err
			}
			return newBlrView{res}, err
		})
	}
	return cmd
}

// NewUpgradeConfigsCommand creates the upgrade-configs command.
func NewUpgradeConfigsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade-configs",
		Short: "Deploy new facets into an existing resolver and re-pin proxies",
		Long: `Deploy a fresh set of facets, register them in an existing Business Logic
Resolver, create new configuration versions and optionally point existing
resolver proxies at them.

Example:
  diamondctl upgrade-configs --network sepolia --blr-address 0x... \
    --proxy 0x... --proxy 0x...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := newWorkflowFlags(rootOpts, cmd)
	f.stringVar("blr-address", func(p *config.Plan) *string { return &p.BLRAddress }, "existing Business Logic Resolver proxy (required)")
	f.stringVar("configurations", func(p *config.Plan) *string { return &p.Configurations }, "configurations to create: equity|bond|both (default both)")
	f.stringSliceVar("proxy", func(p *config.Plan) *[]string { return &p.ProxyAddresses }, "resolver proxy to update (repeatable)")
	f.boolVar("time-travel", func(p *config.Plan) *bool { return &p.UseTimeTravel }, "deploy TimeTravel facet variants")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return f.run(cmd, checkpoint.WorkflowUpgradeConfigurations, func(ctx context.Context, d *workflow.Driver, signer deploy.Signer, network string, p *config.Plan) (any, error) {
			o := p.UpgradeConfigurationsOptions()
			o.RunOptions = f.runOptions(o.RunOptions)
			res, err := d.UpgradeConfigurations(ctx, signer, network, o)
			if res == nil {
				return nil, err
			}
			return upgradeConfigsView{res}, err
		})
	}
	return cmd
}

// NewUpgradeTupCommand creates the upgrade-tup command.
func NewUpgradeTupCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade-tup",
		Short: "Upgrade the BLR and Factory transparent proxies",
		Long: `Upgrade the Business Logic Resolver and/or Factory transparent proxies to a
new implementation, either deployed by this run or given by address.

Example:
  diamondctl upgrade-tup --network sepolia --proxy-admin 0x... \
    --blr-proxy 0x... --deploy-new-blr-impl --verify`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := newWorkflowFlags(rootOpts, cmd)
	f.stringVar("proxy-admin", func(p *config.Plan) *string { return &p.ProxyAdminAddress }, "ProxyAdmin that owns the proxies (required)")
	f.stringVar("blr-proxy", func(p *config.Plan) *string { return &p.BLRProxyAddress }, "BLR transparent proxy to upgrade")
	f.boolVar("deploy-new-blr-impl", func(p *config.Plan) *bool { return &p.DeployNewBLRImpl }, "deploy a new BLR implementation")
	f.stringVar("blr-impl", func(p *config.Plan) *string { return &p.BLRImplementationAddress }, "existing BLR implementation to upgrade to")
	f.stringVar("factory-proxy", func(p *config.Plan) *string { return &p.FactoryProxyAddress }, "Factory transparent proxy to upgrade")
	f.boolVar("deploy-new-factory-impl", func(p *config.Plan) *bool { return &p.DeployNewFactoryImpl }, "deploy a new Factory implementation")
	f.stringVar("factory-impl", func(p *config.Plan) *string { return &p.FactoryImplementationAddress }, "existing Factory implementation to upgrade to")
	f.boolVar("verify", func(p *config.Plan) *bool { return &p.Verify }, "read back the implementation after each upgrade")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return f.run(cmd, checkpoint.WorkflowUpgradeTupProxies, func(ctx context.Context, d *workflow.Driver, signer deploy.Signer, network string, p *config.Plan) (any, error) {
			o := p.UpgradeTupProxiesOptions()
			o.RunOptions = f.runOptions(o.RunOptions)
			res, err := d.UpgradeTupProxies(ctx, signer, network, o)
			if res == nil {
				return nil, err
			}
			return upgradeTupView{res}, err
		})
	}
	return cmd
}
