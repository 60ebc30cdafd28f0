package workflow

import (
	"strings"

	"github.com/roach88/diamondctl/internal/deploy"
	"github.com/roach88/diamondctl/internal/facets"
)

// Defaults applied by normalization.
const (
	DefaultBatchSize     = 5
	DefaultConfirmations = 1
	DefaultMaxRetries    = 3
)

// RunOptions control one invocation. They are never persisted; a resumed
// run always takes them from the caller.
type RunOptions struct {
	// IgnoreCheckpoint starts a fresh checkpoint even when a resumable one
	// exists.
	IgnoreCheckpoint bool

	// ResumeFrom resumes the checkpoint with this id.
	ResumeFrom string

	// SaveOutput writes the result document to OutputPath, or to
	// deployments/<network>/<workflow>-<unixMillis>.json when empty.
	SaveOutput bool
	OutputPath string

	// DeleteOnSuccess removes the checkpoint after the run completes.
	DeleteOnSuccess bool
}

// Execution holds the knobs shared by all workflows. They are persisted with
// the checkpoint and win over the caller's values on resume.
type Execution struct {
	BatchSize     int `json:"batch_size"`
	Confirmations int `json:"confirmations"`

	// EnableRetry retries failing primitive calls up to MaxRetries times.
	// Checkpoint I/O is never retried.
	EnableRetry bool `json:"enable_retry,omitempty"`
	MaxRetries  int  `json:"max_retries,omitempty"`

	// FailOnAllTargetsFailed turns a fan-out step whose every target failed
	// into a step failure. Off by default.
	FailOnAllTargetsFailed bool `json:"fail_on_all_targets_failed,omitempty"`
}

func (e Execution) normalize() Execution {
	if e.BatchSize == 0 {
		e.BatchSize = DefaultBatchSize
	}
	if e.Confirmations == 0 {
		e.Confirmations = DefaultConfirmations
	}
	if e.EnableRetry && e.MaxRetries == 0 {
		e.MaxRetries = DefaultMaxRetries
	}
	return e
}

func (e Execution) validate() error {
	if e.BatchSize < 1 {
		return invalid("batch_size", "must be >= 1, got %d", e.BatchSize)
	}
	if e.Confirmations < 1 {
		return invalid("confirmations", "must be >= 1, got %d", e.Confirmations)
	}
	if e.MaxRetries < 0 {
		return invalid("max_retries", "must be >= 0, got %d", e.MaxRetries)
	}
	return nil
}

// NewBlrOptions configures DeploySystemWithNewBlr.
type NewBlrOptions struct {
	RunOptions `json:"-"`
	Execution

	// Configurations selects equity, bond or both (default).
	Configurations string `json:"configurations"`

	// UseTimeTravel deploys the TimeTravel variant of every facet.
	UseTimeTravel bool `json:"use_time_travel,omitempty"`
}

func (o NewBlrOptions) normalize() NewBlrOptions {
	o.Execution = o.Execution.normalize()
	if sel, err := facets.ParseSelection(o.Configurations); err == nil {
		o.Configurations = string(sel)
	}
	return o
}

func (o NewBlrOptions) validate() error {
	if _, err := facets.ParseSelection(o.Configurations); err != nil {
		return invalid("configurations", "%v", err)
	}
	return o.Execution.validate()
}

func (o NewBlrOptions) selection() facets.Selection {
	sel, _ := facets.ParseSelection(o.Configurations)
	return sel
}

// UpgradeConfigurationsOptions configures UpgradeConfigurations.
type UpgradeConfigurationsOptions struct {
	RunOptions `json:"-"`
	Execution

	// BLRAddress is the resolver proxy that receives the new facets.
	BLRAddress string `json:"blr_address"`

	// Configurations selects equity, bond or both (default).
	Configurations string `json:"configurations"`

	// ProxyAddresses are resolver proxies (tokens) re-pinned to the new
	// configuration versions. An unparseable address fails only its own
	// update.
	ProxyAddresses []string `json:"proxy_addresses,omitempty"`

	UseTimeTravel bool `json:"use_time_travel,omitempty"`
}

func (o UpgradeConfigurationsOptions) normalize() UpgradeConfigurationsOptions {
	o.Execution = o.Execution.normalize()
	o.BLRAddress = strings.TrimSpace(o.BLRAddress)
	if sel, err := facets.ParseSelection(o.Configurations); err == nil {
		o.Configurations = string(sel)
	}
	o.ProxyAddresses = uniqueTrimmed(o.ProxyAddresses)
	return o
}

func (o UpgradeConfigurationsOptions) validate() error {
	if o.BLRAddress == "" {
		return invalid("blr_address", "is required")
	}
	if _, err := deploy.ParseAddress(o.BLRAddress); err != nil {
		return invalid("blr_address", "%v", err)
	}
	if _, err := facets.ParseSelection(o.Configurations); err != nil {
		return invalid("configurations", "%v", err)
	}
	return o.Execution.validate()
}

func (o UpgradeConfigurationsOptions) selection() facets.Selection {
	sel, _ := facets.ParseSelection(o.Configurations)
	return sel
}

// UpgradeTupProxiesOptions configures UpgradeTupProxies. Each targeted
// proxy needs either DeployNew*Impl or an explicit implementation address.
type UpgradeTupProxiesOptions struct {
	RunOptions `json:"-"`
	Execution

	ProxyAdminAddress string `json:"proxy_admin_address"`

	BLRProxyAddress          string `json:"blr_proxy_address,omitempty"`
	DeployNewBLRImpl         bool   `json:"deploy_new_blr_impl,omitempty"`
	BLRImplementationAddress string `json:"blr_implementation_address,omitempty"`

	FactoryProxyAddress          string `json:"factory_proxy_address,omitempty"`
	DeployNewFactoryImpl         bool   `json:"deploy_new_factory_impl,omitempty"`
	FactoryImplementationAddress string `json:"factory_implementation_address,omitempty"`

	// Verify reads the implementation slot back after each upgrade.
	Verify bool `json:"verify,omitempty"`
}

func (o UpgradeTupProxiesOptions) normalize() UpgradeTupProxiesOptions {
	o.Execution = o.Execution.normalize()
	o.ProxyAdminAddress = checksum(o.ProxyAdminAddress)
	o.BLRProxyAddress = checksum(o.BLRProxyAddress)
	o.BLRImplementationAddress = checksum(o.BLRImplementationAddress)
	o.FactoryProxyAddress = checksum(o.FactoryProxyAddress)
	o.FactoryImplementationAddress = checksum(o.FactoryImplementationAddress)
	return o
}

func (o UpgradeTupProxiesOptions) validate() error {
	if o.ProxyAdminAddress == "" {
		return invalid("proxy_admin_address", "is required")
	}
	if _, err := deploy.ParseAddress(o.ProxyAdminAddress); err != nil {
		return invalid("proxy_admin_address", "%v", err)
	}
	if o.BLRProxyAddress == "" && o.FactoryProxyAddress == "" {
		return invalid("", "no proxy target specified: set blr_proxy_address and/or factory_proxy_address")
	}
	if o.BLRProxyAddress != "" && o.BLRProxyAddress == o.FactoryProxyAddress {
		return invalid("factory_proxy_address", "same as blr_proxy_address")
	}
	if err := validateTarget("blr", o.BLRProxyAddress, o.DeployNewBLRImpl, o.BLRImplementationAddress); err != nil {
		return err
	}
	if err := validateTarget("factory", o.FactoryProxyAddress, o.DeployNewFactoryImpl, o.FactoryImplementationAddress); err != nil {
		return err
	}
	return o.Execution.validate()
}

func validateTarget(prefix, proxy string, deployNew bool, impl string) error {
	if proxy == "" {
		if deployNew || impl != "" {
			return invalid(prefix+"_proxy_address", "is required when an implementation is given")
		}
		return nil
	}
	if _, err := deploy.ParseAddress(proxy); err != nil {
		return invalid(prefix+"_proxy_address", "%v", err)
	}
	switch {
	case deployNew && impl != "":
		return invalid(prefix+"_implementation_address", "set either deploy_new_%s_impl or an implementation address, not both", prefix)
	case !deployNew && impl == "":
		return invalid(prefix+"_implementation_address", "neither deploy_new_%s_impl nor an implementation address given", prefix)
	case impl != "":
		if _, err := deploy.ParseAddress(impl); err != nil {
			return invalid(prefix+"_implementation_address", "%v", err)
		}
	}
	return nil
}

// checksum trims v and, when it is a valid address, returns its checksummed
// form. Invalid input is returned trimmed for validate to report.
func checksum(v string) string {
	v = strings.TrimSpace(v)
	if addr, err := deploy.ParseAddress(v); err == nil {
		return addr.Hex()
	}
	return v
}

// uniqueTrimmed returns a new slice without blanks or repeats, keeping the
// first occurrence order.
func uniqueTrimmed(in []string) []string {
	if in == nil {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
