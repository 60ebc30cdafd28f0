// Package steps is the catalog of named step sequences, one per workflow
// type. Drivers, failure records and resume bookkeeping all resolve step
// indices through this table, so adding a workflow is a data change here.
package steps

import (
	"fmt"
	"sort"

	"github.com/roach88/diamondctl/internal/checkpoint"
)

// Step names shared by several workflows.
const (
	ProxyAdmin            = "ProxyAdmin"
	BLR                   = "BLR"
	Facets                = "Facets"
	FacetsRegistered      = "Facets Registered"
	EquityConfiguration   = "Equity Configuration"
	BondConfiguration     = "Bond Configuration"
	Factory               = "Factory"
	ProxyUpdates          = "Proxy Updates"
	BLRImplementation     = "BLR Implementation"
	FactoryImplementation = "Factory Implementation"
	ProxyUpgrades         = "Proxy Upgrades"
)

var catalog = map[checkpoint.WorkflowType][]string{
	checkpoint.WorkflowNewBlr: {
		ProxyAdmin,
		BLR,
		Facets,
		FacetsRegistered,
		EquityConfiguration,
		BondConfiguration,
		Factory,
	},
	checkpoint.WorkflowUpgradeConfigurations: {
		Facets,
		FacetsRegistered,
		EquityConfiguration,
		BondConfiguration,
		ProxyUpdates,
	},
	checkpoint.WorkflowUpgradeTupProxies: {
		BLRImplementation,
		FactoryImplementation,
		ProxyUpgrades,
	},
}

// Name returns the name of step in the sequence of wt.
func Name(step int, wt checkpoint.WorkflowType) (string, error) {
	names, ok := catalog[wt]
	if !ok {
		return "", fmt.Errorf("steps: unknown workflow type %q", wt)
	}
	if step < 0 || step >= len(names) {
		return "", fmt.Errorf("steps: step %d out of range for %s (0..%d)", step, wt, len(names)-1)
	}
	return names[step], nil
}

// Names returns a copy of the step sequence of wt.
func Names(wt checkpoint.WorkflowType) ([]string, error) {
	names, ok := catalog[wt]
	if !ok {
		return nil, fmt.Errorf("steps: unknown workflow type %q", wt)
	}
	return append([]string(nil), names...), nil
}

// Count returns the number of steps of wt, or 0 for unknown types.
func Count(wt checkpoint.WorkflowType) int {
	return len(catalog[wt])
}

// Last returns the final step index of wt, or -1 for unknown types.
func Last(wt checkpoint.WorkflowType) int {
	return len(catalog[wt]) - 1
}

// Index returns the position of the named step in wt's sequence.
func Index(name string, wt checkpoint.WorkflowType) (int, error) {
	for i, n := range catalog[wt] {
		if n == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("steps: %s has no step %q", wt, name)
}

// Types returns the known workflow types in lexical order.
func Types() []checkpoint.WorkflowType {
	out := make([]checkpoint.WorkflowType, 0, len(catalog))
	for wt := range catalog {
		out = append(out, wt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
