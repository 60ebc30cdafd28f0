package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/deploy"
	"github.com/roach88/diamondctl/internal/facets"
)

// Step builders shared by the newBlr and upgradeConfigurations plans.

func facetsStep(names []string) step {
	return step{
		done: func(r *run) bool {
			for _, n := range names {
				if !r.cp.Steps.Facets.Has(n) {
					return false
				}
			}
			return true
		},
		exec: func(ctx context.Context, r *run) error {
			var missing []string
			for _, n := range names {
				if !r.cp.Steps.Facets.Has(n) {
					missing = append(missing, n)
				}
			}
			r.logger.Info("deploying facets",
				slog.Int("missing", len(missing)),
				slog.Int("total", len(names)),
				slog.Int("batch_size", r.exec.BatchSize),
			)
			return deployBatch(ctx, r, missing, func(name string, dep deploy.Deployment, at time.Time) {
				r.cp.Steps.Facets[name] = checkpoint.DeployedContract{
					Address:    dep.Address.Hex(),
					TxHash:     dep.TxHash.Hex(),
					DeployedAt: at,
					GasUsed:    dep.GasUsed,
					ContractID: facets.ResolverKey(name).Hex(),
				}
			})
		},
	}
}

// facetRefs resolves names against the facets recorded in the checkpoint.
func facetRefs(r *run, names []string) ([]deploy.FacetRef, error) {
	refs := make([]deploy.FacetRef, 0, len(names))
	for _, name := range names {
		c, ok := r.cp.Steps.Facets[name]
		if !ok {
			return nil, fmt.Errorf("facet %s has not been deployed", name)
		}
		addr, err := deploy.ParseAddress(c.Address)
		if err != nil {
			return nil, fmt.Errorf("facet %s: %w", name, err)
		}
		refs = append(refs, deploy.FacetRef{Key: facets.ResolverKey(name), Address: addr})
	}
	return refs, nil
}

func registerStep(names []string, resolver func(r *run) (common.Address, error)) step {
	return step{
		done: func(r *run) bool { return r.cp.Steps.FacetsRegistered },
		exec: func(ctx context.Context, r *run) error {
			blr, err := resolver(r)
			if err != nil {
				return err
			}
			refs, err := facetRefs(r, names)
			if err != nil {
				return err
			}
			tx, err := call(ctx, r, "register facets", func(ctx context.Context) (deploy.TxResult, error) {
				return r.d.backend.RegisterFacets(ctx, r.signer, blr, refs, r.txOpts())
			})
			if err != nil {
				return fmt.Errorf("register %d facets in %s: %w", len(refs), blr.Hex(), err)
			}
			r.cp.Steps.FacetsRegistered = true
			r.logger.Info("facets registered",
				slog.Int("count", len(refs)),
				slog.String("resolver", blr.Hex()),
				slog.String("tx_hash", tx.TxHash.Hex()),
			)
			return nil
		},
	}
}

func configurationSlot(c *checkpoint.Configurations, k facets.Kind) **checkpoint.ConfigurationResult {
	if k == facets.Bond {
		return &c.Bond
	}
	return &c.Equity
}

func configurationStep(k facets.Kind, sel func(r *run) facets.Selection, timeTravel func(r *run) bool, resolver func(r *run) (common.Address, error)) step {
	return step{
		skip: func(r *run) bool { return !sel(r).Includes(k) },
		done: func(r *run) bool { return *configurationSlot(&r.cp.Steps.Configurations, k) != nil },
		exec: func(ctx context.Context, r *run) error {
			blr, err := resolver(r)
			if err != nil {
				return err
			}
			refs, err := facetRefs(r, facets.ForKind(k, timeTravel(r)))
			if err != nil {
				return err
			}
			id := k.ConfigID()
			cfg, err := call(ctx, r, "create "+string(k)+" configuration", func(ctx context.Context) (deploy.Configuration, error) {
				return r.d.backend.CreateConfiguration(ctx, r.signer, blr, id, refs, r.txOpts())
			})
			if err != nil {
				return fmt.Errorf("create %s configuration: %w", k, err)
			}
			*configurationSlot(&r.cp.Steps.Configurations, k) = &checkpoint.ConfigurationResult{
				ConfigID:   id.Hex(),
				Version:    cfg.Version,
				FacetCount: len(refs),
				TxHash:     cfg.TxHash.Hex(),
				GasUsed:    cfg.GasUsed,
			}
			r.logger.Info("configuration created",
				slog.String("kind", string(k)),
				slog.Uint64("version", cfg.Version),
				slog.Int("facets", len(refs)),
			)
			return nil
		},
	}
}

// deployBehindProxy deploys name and a transparent proxy in front of it.
// The proxy address is the contract's address.
func deployBehindProxy(ctx context.Context, r *run, name string, admin common.Address) (*checkpoint.DeployedContract, error) {
	impl, err := call(ctx, r, "deploy "+name, func(ctx context.Context) (deploy.Deployment, error) {
		return r.d.backend.DeployContract(ctx, r.signer, name, r.txOpts())
	})
	if err != nil {
		return nil, fmt.Errorf("deploy %s implementation: %w", name, err)
	}
	proxy, err := call(ctx, r, "deploy "+name+" proxy", func(ctx context.Context) (deploy.Deployment, error) {
		return r.d.backend.DeployProxy(ctx, r.signer, impl.Address, admin, r.txOpts())
	})
	if err != nil {
		return nil, fmt.Errorf("deploy %s proxy: %w", name, err)
	}
	r.logger.Info("contract deployed behind proxy",
		slog.String("contract", name),
		slog.String("proxy", proxy.Address.Hex()),
		slog.String("implementation", impl.Address.Hex()),
	)
	return &checkpoint.DeployedContract{
		Address:        proxy.Address.Hex(),
		TxHash:         proxy.TxHash.Hex(),
		DeployedAt:     r.d.now(),
		GasUsed:        impl.GasUsed + proxy.GasUsed,
		Implementation: impl.Address.Hex(),
	}, nil
}

func failed(err error) checkpoint.ProxyUpdateOutcome {
	return checkpoint.ProxyUpdateOutcome{Success: false, Error: err.Error()}
}
