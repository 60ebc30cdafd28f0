package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/deploy"
)

// UpgradeTupProxies points the BLR and/or Factory transparent proxies at
// new implementations, deploying them first when requested. The proxies are
// upgraded independently through the proxy admin.
func (d *Driver) UpgradeTupProxies(ctx context.Context, signer deploy.Signer, network string, opts UpgradeTupProxiesOptions) (*UpgradeTupProxiesResult, error) {
	o := opts.normalize()
	if o.ResumeFrom == "" {
		if err := o.validate(); err != nil {
			return nil, err
		}
	}

	cp, resumed, err := d.acquire(ctx, checkpoint.WorkflowUpgradeTupProxies, network, signer, o.RunOptions, o)
	if err != nil {
		return nil, err
	}
	if resumed {
		var stored UpgradeTupProxiesOptions
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
	if err := d.execute(ctx, r, upgradeTupProxiesPlan(o)); err != nil {
		return nil, err
	}

	res := upgradeTupProxiesResult(r, o)
	if err := d.finish(ctx, r, o.RunOptions, &res.Header, res); err != nil {
		return res, err
	}
	return res, nil
}

// tupTarget is one proxy of an UpgradeTupProxies run.
type tupTarget struct {
	contract  string
	proxy     string
	deployNew bool
	impl      string
	recorded  func(s *checkpoint.Steps) **checkpoint.DeployedContract
}

func tupTargets(o UpgradeTupProxiesOptions) []tupTarget {
	return []tupTarget{
		{
			contract:  deploy.ResolverContract,
			proxy:     o.BLRProxyAddress,
			deployNew: o.DeployNewBLRImpl,
			impl:      o.BLRImplementationAddress,
			recorded:  func(s *checkpoint.Steps) **checkpoint.DeployedContract { return &s.BLRImplementation },
		},
		{
			contract:  deploy.FactoryContract,
			proxy:     o.FactoryProxyAddress,
			deployNew: o.DeployNewFactoryImpl,
			impl:      o.FactoryImplementationAddress,
			recorded:  func(s *checkpoint.Steps) **checkpoint.DeployedContract { return &s.FactoryImplementation },
		},
	}
}

func upgradeTupProxiesPlan(o UpgradeTupProxiesOptions) []step {
	targets := tupTargets(o)
	byProxy := make(map[string]tupTarget, len(targets))
	var proxies []string
	for _, t := range targets {
		if t.proxy != "" {
			byProxy[t.proxy] = t
			proxies = append(proxies, t.proxy)
		}
	}

	plan := make([]step, 0, len(targets)+1)
	for _, t := range targets {
		plan = append(plan, implementationStep(t))
	}
	return append(plan, step{
		targets: func(*run) []string { return proxies },
		apply: func(ctx context.Context, r *run, proxy string) checkpoint.ProxyUpdateOutcome {
			return upgradeProxy(ctx, r, o, byProxy[proxy])
		},
	})
}

// implementationStep deploys the new implementation of t, or records the
// address given for it.
func implementationStep(t tupTarget) step {
	return step{
		skip: func(*run) bool { return t.proxy == "" },
		done: func(r *run) bool { return *t.recorded(&r.cp.Steps) != nil },
		exec: func(ctx context.Context, r *run) error {
			if !t.deployNew {
				*t.recorded(&r.cp.Steps) = &checkpoint.DeployedContract{
					Address:    t.impl,
					DeployedAt: r.d.now(),
				}
				r.logger.Info("using existing implementation", slog.String("contract", t.contract), slog.String("address", t.impl))
				return nil
			}
			dep, err := call(ctx, r, "deploy "+t.contract, func(ctx context.Context) (deploy.Deployment, error) {
				return r.d.backend.DeployContract(ctx, r.signer, t.contract, r.txOpts())
			})
			if err != nil {
				return fmt.Errorf("deploy %s implementation: %w", t.contract, err)
			}
			*t.recorded(&r.cp.Steps) = &checkpoint.DeployedContract{
				Address:    dep.Address.Hex(),
				TxHash:     dep.TxHash.Hex(),
				DeployedAt: r.d.now(),
				GasUsed:    dep.GasUsed,
			}
			r.logger.Info("implementation deployed", slog.String("contract", t.contract), slog.String("address", dep.Address.Hex()))
			return nil
		},
	}
}

// upgradeProxy points one proxy at its new implementation. A proxy already
// there succeeds without a transaction. With Verify set the implementation
// slot is read back after the upgrade.
func upgradeProxy(ctx context.Context, r *run, o UpgradeTupProxiesOptions, t tupTarget) checkpoint.ProxyUpdateOutcome {
	proxy, err := deploy.ParseAddress(t.proxy)
	if err != nil {
		return failed(err)
	}
	admin, err := deploy.ParseAddress(o.ProxyAdminAddress)
	if err != nil {
		return failed(err)
	}
	impl, err := recordedAddress(*t.recorded(&r.cp.Steps), t.contract+" implementation")
	if err != nil {
		return failed(err)
	}

	prev, err := call(ctx, r, "read implementation of "+t.proxy, func(ctx context.Context) (common.Address, error) {
		return r.d.backend.Implementation(ctx, proxy)
	})
	if err != nil {
		return failed(fmt.Errorf("read implementation: %w", err))
	}
	out := checkpoint.ProxyUpdateOutcome{
		Success:         true,
		PreviousVersion: prev.Hex(),
		NewVersion:      impl.Hex(),
	}
	if prev == impl {
		return out
	}

	tx, err := call(ctx, r, "upgrade "+t.proxy, func(ctx context.Context) (deploy.TxResult, error) {
		return r.d.backend.UpgradeProxy(ctx, r.signer, admin, proxy, impl, r.txOpts())
	})
	if err != nil {
		f := failed(fmt.Errorf("upgrade: %w", err))
		f.PreviousVersion = out.PreviousVersion
		return f
	}
	out.TransactionHash = tx.TxHash.Hex()
	out.GasUsed = tx.GasUsed

	if o.Verify {
		got, err := r.d.backend.Implementation(ctx, proxy)
		if err != nil {
			return verifyFailed(out, fmt.Errorf("verify: %w", err))
		}
		if got != impl {
			return verifyFailed(out, fmt.Errorf("verify: implementation is %s, want %s", got.Hex(), impl.Hex()))
		}
	}
	return out
}

func verifyFailed(out checkpoint.ProxyUpdateOutcome, err error) checkpoint.ProxyUpdateOutcome {
	out.Success = false
	out.Error = err.Error()
	return out
}

func upgradeTupProxiesResult(r *run, o UpgradeTupProxiesOptions) *UpgradeTupProxiesResult {
	s := r.cp.Steps
	res := &UpgradeTupProxiesResult{
		ProxyAdminAddress:     o.ProxyAdminAddress,
		BLRImplementation:     s.BLRImplementation,
		FactoryImplementation: s.FactoryImplementation,
	}

	var gas uint64
	for _, c := range []*checkpoint.DeployedContract{s.BLRImplementation, s.FactoryImplementation} {
		if c != nil {
			gas += c.GasUsed
		}
	}
	var upgraded, bad int
	for _, t := range []struct {
		proxy string
		dst   **ProxyUpdateResult
	}{
		{o.BLRProxyAddress, &res.BLRProxy},
		{o.FactoryProxyAddress, &res.FactoryProxy},
	} {
		if t.proxy == "" {
			continue
		}
		out, found := s.ProxyUpdates[t.proxy]
		if !found {
			continue
		}
		*t.dst = &ProxyUpdateResult{ProxyAddress: t.proxy, ProxyUpdateOutcome: out}
		gas += out.GasUsed
		if out.Success {
			upgraded++
		} else {
			bad++
		}
	}

	res.Summary = UpgradeTupProxiesSummary{
		Success:          r.cp.Status == checkpoint.StatusCompleted,
		ProxiesUpgraded:  upgraded,
		ProxiesFailed:    bad,
		DeploymentTimeMs: r.elapsedMs(),
		GasUsed:          gas,
		Resumed:          r.resumed,
	}
	return res
}
