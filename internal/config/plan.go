package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/steps"
	"github.com/roach88/diamondctl/internal/workflow"
)

// Plan describes a workflow run in a file. Field names match the options
// persisted in checkpoints.
type Plan struct {
	// Workflow, when set, must match the command the plan is used with.
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	Network  string `yaml:"network,omitempty" json:"network,omitempty"`

	BatchSize              int  `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	Confirmations          int  `yaml:"confirmations,omitempty" json:"confirmations,omitempty"`
	EnableRetry            bool `yaml:"enable_retry,omitempty" json:"enable_retry,omitempty"`
	MaxRetries             int  `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	FailOnAllTargetsFailed bool `yaml:"fail_on_all_targets_failed,omitempty" json:"fail_on_all_targets_failed,omitempty"`

	Configurations string `yaml:"configurations,omitempty" json:"configurations,omitempty"`
	UseTimeTravel  bool   `yaml:"use_time_travel,omitempty" json:"use_time_travel,omitempty"`

	BLRAddress     string   `yaml:"blr_address,omitempty" json:"blr_address,omitempty"`
	ProxyAddresses []string `yaml:"proxy_addresses,omitempty" json:"proxy_addresses,omitempty"`

	ProxyAdminAddress            string `yaml:"proxy_admin_address,omitempty" json:"proxy_admin_address,omitempty"`
	BLRProxyAddress              string `yaml:"blr_proxy_address,omitempty" json:"blr_proxy_address,omitempty"`
	DeployNewBLRImpl             bool   `yaml:"deploy_new_blr_impl,omitempty" json:"deploy_new_blr_impl,omitempty"`
	BLRImplementationAddress     string `yaml:"blr_implementation_address,omitempty" json:"blr_implementation_address,omitempty"`
	FactoryProxyAddress          string `yaml:"factory_proxy_address,omitempty" json:"factory_proxy_address,omitempty"`
	DeployNewFactoryImpl         bool   `yaml:"deploy_new_factory_impl,omitempty" json:"deploy_new_factory_impl,omitempty"`
	FactoryImplementationAddress string `yaml:"factory_implementation_address,omitempty" json:"factory_implementation_address,omitempty"`
	Verify                       bool   `yaml:"verify,omitempty" json:"verify,omitempty"`

	SaveOutput      bool   `yaml:"save_output,omitempty" json:"save_output,omitempty"`
	OutputPath      string `yaml:"output_path,omitempty" json:"output_path,omitempty"`
	DeleteOnSuccess bool   `yaml:"delete_on_success,omitempty" json:"delete_on_success,omitempty"`
}

// LoadPlan reads a plan file. The format follows the extension: .yaml,
// .yml and .json are decoded with unknown fields rejected; .cue is
// compiled and must evaluate to a concrete value.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	var p *Plan
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml", ".json":
		p, err = decodeYAML(data)
	case ".cue":
		p, err = decodeCUE(data, path)
	default:
		return nil, fmt.Errorf("plan %s: unsupported extension %q (want .yaml, .yml, .json or .cue)", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return p, nil
}

func decodeYAML(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return &p, nil
		}
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &p, nil
}

func decodeCUE(data []byte, filename string) (*Plan, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	known := knownFields()
	iter, err := v.Fields()
	if err != nil {
		return nil, fmt.Errorf("fields: %w", err)
	}
	for iter.Next() {
		if !known[iter.Label()] {
			return nil, fmt.Errorf("unknown field %q", iter.Label())
		}
	}

	var p Plan
	if err := v.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &p, nil
}

// knownFields returns the json names of Plan's fields.
func knownFields() map[string]bool {
	t := reflect.TypeOf(Plan{})
	out := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		out[name] = true
	}
	return out
}

// Validate checks the fields that are not validated by the workflows.
func (p *Plan) Validate() error {
	if p.Workflow == "" {
		return nil
	}
	for _, wt := range steps.Types() {
		if string(wt) == p.Workflow {
			return nil
		}
	}
	return fmt.Errorf("unknown workflow %q", p.Workflow)
}

// CheckWorkflow fails when the plan names a workflow other than wt.
func (p *Plan) CheckWorkflow(wt checkpoint.WorkflowType) error {
	if p.Workflow != "" && p.Workflow != string(wt) {
		return fmt.Errorf("plan is for workflow %s, not %s", p.Workflow, wt)
	}
	return nil
}

func (p *Plan) execution() workflow.Execution {
	return workflow.Execution{
		BatchSize:              p.BatchSize,
		Confirmations:          p.Confirmations,
		EnableRetry:            p.EnableRetry,
		MaxRetries:             p.MaxRetries,
		FailOnAllTargetsFailed: p.FailOnAllTargetsFailed,
	}
}

func (p *Plan) runOptions() workflow.RunOptions {
	return workflow.RunOptions{
		SaveOutput:      p.SaveOutput,
		OutputPath:      p.OutputPath,
		DeleteOnSuccess: p.DeleteOnSuccess,
	}
}

// NewBlrOptions returns the plan as DeploySystemWithNewBlr options.
func (p *Plan) NewBlrOptions() workflow.NewBlrOptions {
	return workflow.NewBlrOptions{
		RunOptions:     p.runOptions(),
		Execution:      p.execution(),
		Configurations: p.Configurations,
		UseTimeTravel:  p.UseTimeTravel,
	}
}

// UpgradeConfigurationsOptions returns the plan as UpgradeConfigurations
// options.
func (p *Plan) UpgradeConfigurationsOptions() workflow.UpgradeConfigurationsOptions {
	return workflow.UpgradeConfigurationsOptions{
		RunOptions:     p.runOptions(),
		Execution:      p.execution(),
		BLRAddress:     p.BLRAddress,
		Configurations: p.Configurations,
		ProxyAddresses: append([]string(nil), p.ProxyAddresses...),
		UseTimeTravel:  p.UseTimeTravel,
	}
}

// UpgradeTupProxiesOptions returns the plan as UpgradeTupProxies options.
func (p *Plan) UpgradeTupProxiesOptions() workflow.UpgradeTupProxiesOptions {
	return workflow.UpgradeTupProxiesOptions{
		RunOptions:                   p.runOptions(),
		Execution:                    p.execution(),
		ProxyAdminAddress:            p.ProxyAdminAddress,
		BLRProxyAddress:              p.BLRProxyAddress,
		DeployNewBLRImpl:             p.DeployNewBLRImpl,
		BLRImplementationAddress:     p.BLRImplementationAddress,
		FactoryProxyAddress:          p.FactoryProxyAddress,
		DeployNewFactoryImpl:         p.DeployNewFactoryImpl,
		FactoryImplementationAddress: p.FactoryImplementationAddress,
		Verify:                       p.Verify,
	}
}
