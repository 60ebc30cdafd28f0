package workflow

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/deploy"
	"github.com/roach88/diamondctl/internal/facets"
)

// UpgradeConfigurations deploys a fresh set of facets into an existing
// resolver, creates new versions of the selected configurations, and
// re-pins each of ProxyAddresses to the new version of the configuration it
// uses.
//
// Proxy updates are independent: a proxy that fails is recorded with its
// error and the run still succeeds, unless FailOnAllTargetsFailed is set and
// every proxy failed.
func (d *Driver) UpgradeConfigurations(ctx context.Context, signer deploy.Signer, network string, opts UpgradeConfigurationsOptions) (*UpgradeConfigurationsResult, error) {
	o := opts.normalize()
	if o.ResumeFrom == "" {
		if err := o.validate(); err != nil {
			return nil, err
		}
	}

	cp, resumed, err := d.acquire(ctx, checkpoint.WorkflowUpgradeConfigurations, network, signer, o.RunOptions, o)
	if err != nil {
		return nil, err
	}
	if resumed {
		var stored UpgradeConfigurationsOptions
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
	if err := d.execute(ctx, r, upgradeConfigurationsPlan(o)); err != nil {
		return nil, err
	}

	res := upgradeConfigurationsResult(r, o)
	if err := d.finish(ctx, r, o.RunOptions, &res.Header, res); err != nil {
		return res, err
	}
	return res, nil
}

func upgradeConfigurationsPlan(o UpgradeConfigurationsOptions) []step {
	sel := func(*run) facets.Selection { return o.selection() }
	timeTravel := func(*run) bool { return o.UseTimeTravel }
	names := facets.ForSelection(o.selection(), o.UseTimeTravel)
	resolver := func(*run) (common.Address, error) { return deploy.ParseAddress(o.BLRAddress) }

	return []step{
		facetsStep(names),
		registerStep(names, resolver),
		configurationStep(facets.Equity, sel, timeTravel, resolver),
		configurationStep(facets.Bond, sel, timeTravel, resolver),
		{
			targets: func(*run) []string { return o.ProxyAddresses },
			apply:   updateProxyConfiguration,
		},
	}
}

// updateProxyConfiguration re-pins one resolver proxy to the version of its
// configuration created by this run. A proxy already at that version
// succeeds without a transaction.
func updateProxyConfiguration(ctx context.Context, r *run, target string) checkpoint.ProxyUpdateOutcome {
	proxy, err := deploy.ParseAddress(target)
	if err != nil {
		return failed(err)
	}
	info, err := call(ctx, r, "read configuration of "+target, func(ctx context.Context) (deploy.ConfigInfo, error) {
		return r.d.backend.ConfigInfo(ctx, proxy)
	})
	if err != nil {
		return failed(fmt.Errorf("read configuration: %w", err))
	}

	cfg := createdConfiguration(r.cp.Steps.Configurations, info.ConfigID)
	if cfg == nil {
		return failed(fmt.Errorf("proxy uses configuration %s, which this run did not upgrade", info.ConfigID.Hex()))
	}

	out := checkpoint.ProxyUpdateOutcome{
		Success:         true,
		PreviousVersion: strconv.FormatUint(info.Version, 10),
		NewVersion:      strconv.FormatUint(cfg.Version, 10),
	}
	if info.Version == cfg.Version {
		return out
	}

	tx, err := call(ctx, r, "update config version of "+target, func(ctx context.Context) (deploy.TxResult, error) {
		return r.d.backend.UpdateConfigVersion(ctx, r.signer, proxy, info.ConfigID, cfg.Version, r.txOpts())
	})
	if err != nil {
		f := failed(fmt.Errorf("update config version: %w", err))
		f.PreviousVersion = out.PreviousVersion
		return f
	}
	out.TransactionHash = tx.TxHash.Hex()
	out.GasUsed = tx.GasUsed
	return out
}

func createdConfiguration(c checkpoint.Configurations, id common.Hash) *checkpoint.ConfigurationResult {
	for _, cfg := range []*checkpoint.ConfigurationResult{c.Equity, c.Bond} {
		if cfg != nil && common.HexToHash(cfg.ConfigID) == id {
			return cfg
		}
	}
	return nil
}

func upgradeConfigurationsResult(r *run, o UpgradeConfigurationsOptions) *UpgradeConfigurationsResult {
	s := r.cp.Steps
	fs, gas := facetResults(s.Facets, facets.ForSelection(o.selection(), o.UseTimeTravel))
	updates, ok, bad, updateGas := proxyResults(s.ProxyUpdates, o.ProxyAddresses)
	gas += configurationGas(s.Configurations) + updateGas

	return &UpgradeConfigurationsResult{
		BLRAddress:     o.BLRAddress,
		Facets:         fs,
		Configurations: s.Configurations,
		ProxyUpdates:   updates,
		Summary: UpgradeConfigurationsSummary{
			Success:               r.cp.Status == checkpoint.StatusCompleted,
			TotalFacetsDeployed:   len(fs),
			ConfigurationsCreated: s.Configurations.Count(),
			ProxiesUpdated:        ok,
			ProxiesFailed:         bad,
			DeploymentTimeMs:      r.elapsedMs(),
			GasUsed:               gas,
			Resumed:               r.resumed,
		},
	}
}
