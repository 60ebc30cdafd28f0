package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/deploy"
	"github.com/roach88/diamondctl/internal/facets"
)

// DeploySystemWithNewBlr deploys a complete system from scratch: proxy
// admin, resolver (BLR) behind a proxy, every facet, their registration,
// the selected configurations, and the factory behind a proxy.
//
// An in-progress or failed checkpoint for the same network is resumed
// unless IgnoreCheckpoint is set; steps whose results are recorded are not
// repeated. opts is not modified.
func (d *Driver) DeploySystemWithNewBlr(ctx context.Context, signer deploy.Signer, network string, opts NewBlrOptions) (*NewBlrResult, error) {
	o := opts.normalize()
	if o.ResumeFrom == "" {
		if err := o.validate(); err != nil {
			return nil, err
		}
	}

	cp, resumed, err := d.acquire(ctx, checkpoint.WorkflowNewBlr, network, signer, o.RunOptions, o)
	if err != nil {
		return nil, err
	}
	if resumed {
		var stored NewBlrOptions
		ok, err := storedOptions(cp, &stored)
		if err != nil {
			return nil, err
		}
		if ok {
			stored.RunOptions = o.RunOptions
			o = stored.normalize()
		}
		if err := o.validate(); err != nil {
			return nil, err
		}
	}

	r := d.begin(cp, resumed, signer, o.Execution)
	if err := d.execute(ctx, r, newBlrPlan(o)); err != nil {
		return nil, err
	}

	res := newBlrResult(r, o)
	if err := d.finish(ctx, r, o.RunOptions, &res.Header, res); err != nil {
		return res, err
	}
	return res, nil
}

func newBlrPlan(o NewBlrOptions) []step {
	sel := func(*run) facets.Selection { return o.selection() }
	timeTravel := func(*run) bool { return o.UseTimeTravel }
	names := facets.ForSelection(o.selection(), o.UseTimeTravel)

	return []step{
		{
			done: func(r *run) bool { return r.cp.Steps.ProxyAdmin != nil },
			exec: deployProxyAdmin,
		},
		{
			done: func(r *run) bool { return r.cp.Steps.BLR != nil },
			exec: func(ctx context.Context, r *run) error {
				admin, err := recordedAddress(r.cp.Steps.ProxyAdmin, deploy.ProxyAdminContract)
				if err != nil {
					return err
				}
				c, err := deployBehindProxy(ctx, r, deploy.ResolverContract, admin)
				if err != nil {
					return err
				}
				r.cp.Steps.BLR = c
				return nil
			},
		},
		facetsStep(names),
		registerStep(names, deployedResolver),
		configurationStep(facets.Equity, sel, timeTravel, deployedResolver),
		configurationStep(facets.Bond, sel, timeTravel, deployedResolver),
		{
			done: func(r *run) bool { return r.cp.Steps.Factory != nil },
			exec: func(ctx context.Context, r *run) error {
				admin, err := recordedAddress(r.cp.Steps.ProxyAdmin, deploy.ProxyAdminContract)
				if err != nil {
					return err
				}
				c, err := deployBehindProxy(ctx, r, deploy.FactoryContract, admin)
				if err != nil {
					return err
				}
				r.cp.Steps.Factory = c
				return nil
			},
		},
	}
}

func deployProxyAdmin(ctx context.Context, r *run) error {
	dep, err := call(ctx, r, "deploy "+deploy.ProxyAdminContract, func(ctx context.Context) (deploy.Deployment, error) {
		return r.d.backend.DeployContract(ctx, r.signer, deploy.ProxyAdminContract, r.txOpts())
	})
	if err != nil {
		return fmt.Errorf("deploy %s: %w", deploy.ProxyAdminContract, err)
	}
	r.cp.Steps.ProxyAdmin = &checkpoint.DeployedContract{
		Address:    dep.Address.Hex(),
		TxHash:     dep.TxHash.Hex(),
		DeployedAt: r.d.now(),
		GasUsed:    dep.GasUsed,
	}
	r.logger.Info("contract deployed",
		slog.String("contract", deploy.ProxyAdminContract),
		slog.String("address", dep.Address.Hex()),
	)
	return nil
}

func deployedResolver(r *run) (common.Address, error) {
	return recordedAddress(r.cp.Steps.BLR, deploy.ResolverContract)
}

func recordedAddress(c *checkpoint.DeployedContract, name string) (common.Address, error) {
	if c == nil {
		return common.Address{}, errors.New(name + " has not been deployed")
	}
	addr, err := deploy.ParseAddress(c.Address)
	if err != nil {
		return common.Address{}, fmt.Errorf("%s: %w", name, err)
	}
	return addr, nil
}

func newBlrResult(r *run, o NewBlrOptions) *NewBlrResult {
	s := r.cp.Steps
	fs, gas := facetResults(s.Facets, facets.ForSelection(o.selection(), o.UseTimeTravel))
	res := &NewBlrResult{
		Facets:         fs,
		Configurations: s.Configurations,
	}
	for _, c := range []struct {
		dst *checkpoint.DeployedContract
		src *checkpoint.DeployedContract
	}{
		{&res.ProxyAdmin, s.ProxyAdmin},
		{&res.BLR, s.BLR},
		{&res.Factory, s.Factory},
	} {
		if c.src != nil {
			*c.dst = *c.src
			gas += c.src.GasUsed
		}
	}
	gas += configurationGas(s.Configurations)

	res.Summary = NewBlrSummary{
		Success:               r.cp.Status == checkpoint.StatusCompleted,
		TotalContracts:        3 + len(fs),
		TotalFacetsDeployed:   len(fs),
		ConfigurationsCreated: s.Configurations.Count(),
		DeploymentTimeMs:      r.elapsedMs(),
		GasUsed:               gas,
		Resumed:               r.resumed,
	}
	return res
}
