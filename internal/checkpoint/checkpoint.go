package checkpoint

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a checkpoint.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// WorkflowType selects the step sequence and driver that own a checkpoint.
type WorkflowType string

const (
	WorkflowNewBlr                WorkflowType = "newBlr"
	WorkflowUpgradeConfigurations WorkflowType = "upgradeConfigurations"
	WorkflowUpgradeTupProxies     WorkflowType = "upgradeTupProxies"
)

// DeployedContract records one confirmed contract creation.
// Implementation is set for contracts deployed behind a transparent proxy,
// in which case Address is the proxy. ContractID is the resolver key a facet
// is registered under.
type DeployedContract struct {
	Address        string    `json:"address"`
	TxHash         string    `json:"tx_hash"`
	DeployedAt     time.Time `json:"deployed_at"`
	GasUsed        uint64    `json:"gas_used,omitempty"`
	ContractID     string    `json:"contract_id,omitempty"`
	Implementation string    `json:"implementation,omitempty"`
}

// ConfigurationResult records a facet configuration created on the resolver.
type ConfigurationResult struct {
	ConfigID   string `json:"config_id"`
	Version    uint64 `json:"version"`
	FacetCount int    `json:"facet_count"`
	TxHash     string `json:"tx_hash"`
	GasUsed    uint64 `json:"gas_used,omitempty"`
}

// ProxyUpdateOutcome is the result of updating a single proxy. Outcomes of
// different proxies are independent of each other.
type ProxyUpdateOutcome struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	PreviousVersion string `json:"previous_version,omitempty"`
	NewVersion      string `json:"new_version,omitempty"`
	GasUsed         uint64 `json:"gas_used,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Configurations holds at most one configuration per token type.
type Configurations struct {
	Equity *ConfigurationResult `json:"equity,omitempty"`
	Bond   *ConfigurationResult `json:"bond,omitempty"`
}

// Count returns the number of configurations recorded.
func (c Configurations) Count() int {
	n := 0
	if c.Equity != nil {
		n++
	}
	if c.Bond != nil {
		n++
	}
	return n
}

// Steps accumulates the artifacts produced by a workflow run.
type Steps struct {
	ProxyAdmin            *DeployedContract             `json:"proxy_admin,omitempty"`
	BLR                   *DeployedContract             `json:"blr,omitempty"`
	Facets                FacetMap                      `json:"facets"`
	FacetsRegistered      bool                          `json:"facets_registered,omitempty"`
	Configurations        Configurations                `json:"configurations"`
	Factory               *DeployedContract             `json:"factory,omitempty"`
	BLRImplementation     *DeployedContract             `json:"blr_implementation,omitempty"`
	FactoryImplementation *DeployedContract             `json:"factory_implementation,omitempty"`
	ProxyUpdates          map[string]ProxyUpdateOutcome `json:"proxy_updates"`
}

// Failure describes the step that halted a run.
type Failure struct {
	Step       int       `json:"step"`
	StepName   string    `json:"step_name"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
	StackTrace string    `json:"stack_trace,omitempty"`
}

// Checkpoint is the unit of persisted workflow progress.
type Checkpoint struct {
	ID           string          `json:"checkpoint_id"`
	Network      string          `json:"network"`
	Deployer     string          `json:"deployer"`
	Status       Status          `json:"status"`
	CurrentStep  int             `json:"current_step"`
	WorkflowType WorkflowType    `json:"workflow_type"`
	StartTime    time.Time       `json:"start_time"`
	LastUpdate   time.Time       `json:"last_update"`
	Steps        Steps           `json:"steps"`
	Options      json.RawMessage `json:"options,omitempty"`
	Failure      *Failure        `json:"failure,omitempty"`
}

// MarkFailed records a failure at step and moves the checkpoint to
// StatusFailed. CurrentStep is set to step so that the failure record and
// the resume position agree.
func (c *Checkpoint) MarkFailed(step int, stepName string, err error, at time.Time) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.Status = StatusFailed
	c.CurrentStep = step
	c.Failure = &Failure{
		Step:      step,
		StepName:  stepName,
		Error:     msg,
		Timestamp: at,
	}
}

// Reopen moves a failed checkpoint back to StatusInProgress and clears its
// failure record. Completed checkpoints are left untouched.
func (c *Checkpoint) Reopen() {
	if c.Status == StatusCompleted {
		return
	}
	c.Status = StatusInProgress
	c.Failure = nil
}

// Timestamp returns the creation time embedded in the checkpoint ID, falling
// back to StartTime for IDs that do not carry one.
func (c *Checkpoint) Timestamp() time.Time {
	if _, ts, err := ParseID(c.ID); err == nil {
		return ts
	}
	return c.StartTime
}
