package workflow

import (
	"time"

	"github.com/roach88/diamondctl/internal/checkpoint"
)

// Header identifies the run that produced a result.
type Header struct {
	Network      string    `json:"network"`
	Timestamp    time.Time `json:"timestamp"`
	Deployer     string    `json:"deployer"`
	CheckpointID string    `json:"checkpoint_id"`
	RunID        string    `json:"run_id"`
	OutputPath   string    `json:"output_path,omitempty"`
}

// FacetResult is a deployed facet as reported to the caller.
type FacetResult struct {
	Name    string `json:"name"`
	Key     string `json:"key"`
	Address string `json:"address"`
	TxHash  string `json:"tx_hash"`
	GasUsed uint64 `json:"gas_used,omitempty"`
}

// ProxyUpdateResult is the outcome of one fan-out target.
type ProxyUpdateResult struct {
	ProxyAddress string `json:"proxy_address"`
	checkpoint.ProxyUpdateOutcome
}

// NewBlrResult is returned by DeploySystemWithNewBlr.
type NewBlrResult struct {
	Header
	ProxyAdmin     checkpoint.DeployedContract `json:"proxy_admin"`
	BLR            checkpoint.DeployedContract `json:"blr"`
	Facets         []FacetResult               `json:"facets"`
	Configurations checkpoint.Configurations   `json:"configurations"`
	Factory        checkpoint.DeployedContract `json:"factory"`
	Summary        NewBlrSummary               `json:"summary"`
}

// NewBlrSummary aggregates a NewBlrResult.
type NewBlrSummary struct {
	Success               bool   `json:"success"`
	TotalContracts        int    `json:"total_contracts"`
	TotalFacetsDeployed   int    `json:"total_facets_deployed"`
	ConfigurationsCreated int    `json:"configurations_created"`
	DeploymentTimeMs      int64  `json:"deployment_time_ms"`
	GasUsed               uint64 `json:"gas_used"`
	Resumed               bool   `json:"resumed"`
}

// UpgradeConfigurationsResult is returned by UpgradeConfigurations.
type UpgradeConfigurationsResult struct {
	Header
	BLRAddress     string                       `json:"blr_address"`
	Facets         []FacetResult                `json:"facets"`
	Configurations checkpoint.Configurations    `json:"configurations"`
	ProxyUpdates   []ProxyUpdateResult          `json:"proxy_updates,omitempty"`
	Summary        UpgradeConfigurationsSummary `json:"summary"`
}

// UpgradeConfigurationsSummary aggregates an UpgradeConfigurationsResult.
type UpgradeConfigurationsSummary struct {
	Success               bool   `json:"success"`
	TotalFacetsDeployed   int    `json:"total_facets_deployed"`
	ConfigurationsCreated int    `json:"configurations_created"`
	ProxiesUpdated        int    `json:"proxies_updated"`
	ProxiesFailed         int    `json:"proxies_failed"`
	DeploymentTimeMs      int64  `json:"deployment_time_ms"`
	GasUsed               uint64 `json:"gas_used"`
	Resumed               bool   `json:"resumed"`
}

// UpgradeTupProxiesResult is returned by UpgradeTupProxies. Fields of
// proxies that were not targeted are omitted.
type UpgradeTupProxiesResult struct {
	Header
	ProxyAdminAddress     string                       `json:"proxy_admin_address"`
	BLRImplementation     *checkpoint.DeployedContract `json:"blr_implementation,omitempty"`
	FactoryImplementation *checkpoint.DeployedContract `json:"factory_implementation,omitempty"`
	BLRProxy              *ProxyUpdateResult           `json:"blr_proxy,omitempty"`
	FactoryProxy          *ProxyUpdateResult           `json:"factory_proxy,omitempty"`
	Summary               UpgradeTupProxiesSummary     `json:"summary"`
}

// UpgradeTupProxiesSummary aggregates an UpgradeTupProxiesResult.
type UpgradeTupProxiesSummary struct {
	Success          bool   `json:"success"`
	ProxiesUpgraded  int    `json:"proxies_upgraded"`
	ProxiesFailed    int    `json:"proxies_failed"`
	DeploymentTimeMs int64  `json:"deployment_time_ms"`
	GasUsed          uint64 `json:"gas_used"`
	Resumed          bool   `json:"resumed"`
}

func facetResults(m checkpoint.FacetMap, names []string) ([]FacetResult, uint64) {
	out := make([]FacetResult, 0, len(names))
	var gas uint64
	for _, name := range names {
		c, ok := m[name]
		if !ok {
			continue
		}
		out = append(out, FacetResult{
			Name:    name,
			Key:     c.ContractID,
			Address: c.Address,
			TxHash:  c.TxHash,
			GasUsed: c.GasUsed,
		})
		gas += c.GasUsed
	}
	return out, gas
}

func configurationGas(c checkpoint.Configurations) uint64 {
	var gas uint64
	if c.Equity != nil {
		gas += c.Equity.GasUsed
	}
	if c.Bond != nil {
		gas += c.Bond.GasUsed
	}
	return gas
}

// proxyResults returns the outcomes of targets in order, with the number of
// successful and failed ones and their gas.
func proxyResults(updates map[string]checkpoint.ProxyUpdateOutcome, targets []string) (out []ProxyUpdateResult, ok, failed int, gas uint64) {
	for _, t := range targets {
		o, found := updates[t]
		if !found {
			continue
		}
		out = append(out, ProxyUpdateResult{ProxyAddress: t, ProxyUpdateOutcome: o})
		if o.Success {
			ok++
		} else {
			failed++
		}
		gas += o.GasUsed
	}
	return out, ok, failed, gas
}

func (r *run) elapsedMs() int64 {
	return r.d.clock.Now().Sub(r.started).Milliseconds()
}
