package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/steps"
	"github.com/roach88/diamondctl/internal/workflow"
)

func field(w io.Writer, label string, format string, args ...any) {
	fmt.Fprintf(w, "%-14s %s\n", label, fmt.Sprintf(format, args...))
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func writeHeader(w io.Writer, title string, h workflow.Header, resumed bool) {
	fmt.Fprintln(w, title)
	field(w, "Network", "%s", h.Network)
	field(w, "Deployer", "%s", h.Deployer)
	field(w, "Checkpoint", "%s", h.CheckpointID)
	field(w, "Run", "%s", h.RunID)
	field(w, "Resumed", "%t", resumed)
}

func writeConfigurations(w io.Writer, c checkpoint.Configurations) {
	if c.Equity != nil {
		field(w, "Equity config", "version %d, %d facets", c.Equity.Version, c.Equity.FacetCount)
	}
	if c.Bond != nil {
		field(w, "Bond config", "version %d, %d facets", c.Bond.Version, c.Bond.FacetCount)
	}
}

func writeTarget(w io.Writer, label string, r workflow.ProxyUpdateResult) {
	if r.Success {
		if r.TransactionHash == "" {
			field(w, label, "%s unchanged (%s)", r.ProxyAddress, r.NewVersion)
			return
		}
		field(w, label, "%s %s -> %s", r.ProxyAddress, r.PreviousVersion, r.NewVersion)
		return
	}
	field(w, label, "%s FAILED: %s", r.ProxyAddress, r.Error)
}

func writeFooter(w io.Writer, gas uint64, ms int64, outputPath string) {
	field(w, "Gas used", "%d", gas)
	field(w, "Duration", "%dms", ms)
	if outputPath != "" {
		field(w, "Output", "%s", outputPath)
	}
}

type newBlrView struct {
	*workflow.NewBlrResult
}

func (v newBlrView) WriteText(w io.Writer) error {
	r := v.NewBlrResult
	writeHeader(w, "Deployment complete", r.Header, r.Summary.Resumed)
	field(w, "ProxyAdmin", "%s", r.ProxyAdmin.Address)
	field(w, "BLR", "%s (implementation %s)", r.BLR.Address, r.BLR.Implementation)
	field(w, "Factory", "%s (implementation %s)", r.Factory.Address, r.Factory.Implementation)
	field(w, "Facets", "%d deployed", r.Summary.TotalFacetsDeployed)
	writeConfigurations(w, r.Configurations)
	writeFooter(w, r.Summary.GasUsed, r.Summary.DeploymentTimeMs, r.OutputPath)
	return nil
}

type upgradeConfigsView struct {
	*workflow.UpgradeConfigurationsResult
}

func (v upgradeConfigsView) WriteText(w io.Writer) error {
	r := v.UpgradeConfigurationsResult
	writeHeader(w, "Configuration upgrade complete", r.Header, r.Summary.Resumed)
	field(w, "BLR", "%s", r.BLRAddress)
	field(w, "Facets", "%d deployed", r.Summary.TotalFacetsDeployed)
	writeConfigurations(w, r.Configurations)
	if len(r.ProxyUpdates) > 0 {
		field(w, "Proxies", "%d updated, %d failed", r.Summary.ProxiesUpdated, r.Summary.ProxiesFailed)
		for _, u := range r.ProxyUpdates {
			writeTarget(w, "", u)
		}
	}
	writeFooter(w, r.Summary.GasUsed, r.Summary.DeploymentTimeMs, r.OutputPath)
	return nil
}

type upgradeTupView struct {
	*workflow.UpgradeTupProxiesResult
}

func (v upgradeTupView) WriteText(w io.Writer) error {
	r := v.UpgradeTupProxiesResult
	writeHeader(w, "Proxy upgrade complete", r.Header, r.Summary.Resumed)
	field(w, "ProxyAdmin", "%s", r.ProxyAdminAddress)
	if r.BLRImplementation != nil {
		field(w, "BLR impl", "%s", r.BLRImplementation.Address)
	}
	if r.FactoryImplementation != nil {
		field(w, "Factory impl", "%s", r.FactoryImplementation.Address)
	}
	if r.BLRProxy != nil {
		writeTarget(w, "BLR proxy", *r.BLRProxy)
	}
	if r.FactoryProxy != nil {
		writeTarget(w, "Factory proxy", *r.FactoryProxy)
	}
	field(w, "Proxies", "%d upgraded, %d failed", r.Summary.ProxiesUpgraded, r.Summary.ProxiesFailed)
	writeFooter(w, r.Summary.GasUsed, r.Summary.DeploymentTimeMs, r.OutputPath)
	return nil
}

// checkpointSummary is one row of checkpoints list.
type checkpointSummary struct {
	ID           string                  `json:"checkpoint_id"`
	WorkflowType checkpoint.WorkflowType `json:"workflow_type"`
	Status       checkpoint.Status       `json:"status"`
	CurrentStep  int                     `json:"current_step"`
	StepName     string                  `json:"step_name"`
	TotalSteps   int                     `json:"total_steps"`
	LastUpdate   time.Time               `json:"last_update"`
}

func summarize(cp *checkpoint.Checkpoint) checkpointSummary {
	name, err := steps.Name(cp.CurrentStep, cp.WorkflowType)
	if err != nil {
		name = "?"
	}
	return checkpointSummary{
		ID:           cp.ID,
		WorkflowType: cp.WorkflowType,
		Status:       cp.Status,
		CurrentStep:  cp.CurrentStep,
		StepName:     name,
		TotalSteps:   steps.Count(cp.WorkflowType),
		LastUpdate:   cp.LastUpdate,
	}
}

type checkpointListView struct {
	Network     string              `json:"network"`
	Checkpoints []checkpointSummary `json:"checkpoints"`

	// Counts covers every checkpoint of the network, ignoring --status.
	Counts map[checkpoint.Status]int `json:"counts"`
}

func (v checkpointListView) WriteText(w io.Writer) error {
	if len(v.Checkpoints) == 0 {
		_, err := fmt.Fprintf(w, "No checkpoints for %s\n", v.Network)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORKFLOW\tSTATUS\tSTEP\tUPDATED")
	for _, c := range v.Checkpoints {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d %s\t%s\n",
			c.ID, c.WorkflowType, c.Status, c.CurrentStep+1, c.TotalSteps, c.StepName, stamp(c.LastUpdate))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nTotal on %s: %d in-progress, %d completed, %d failed\n", v.Network,
		v.Counts[checkpoint.StatusInProgress], v.Counts[checkpoint.StatusCompleted], v.Counts[checkpoint.StatusFailed])
	return err
}

type checkpointView struct {
	*checkpoint.Checkpoint
}

func (v checkpointView) WriteText(w io.Writer) error {
	cp := v.Checkpoint
	s := summarize(cp)
	field(w, "Checkpoint", "%s", cp.ID)
	field(w, "Network", "%s", cp.Network)
	field(w, "Workflow", "%s", cp.WorkflowType)
	field(w, "Status", "%s", cp.Status)
	field(w, "Deployer", "%s", cp.Deployer)
	field(w, "Step", "%d/%d %s", s.CurrentStep+1, s.TotalSteps, s.StepName)
	field(w, "Started", "%s", stamp(cp.StartTime))
	field(w, "Updated", "%s", stamp(cp.LastUpdate))

	st := cp.Steps
	for _, c := range []struct {
		label string
		dc    *checkpoint.DeployedContract
	}{
		{"ProxyAdmin", st.ProxyAdmin},
		{"BLR", st.BLR},
		{"BLR impl", st.BLRImplementation},
		{"Factory", st.Factory},
		{"Factory impl", st.FactoryImplementation},
	} {
		if c.dc != nil {
			field(w, c.label, "%s", c.dc.Address)
		}
	}
	if len(st.Facets) > 0 {
		field(w, "Facets", "%d deployed, registered: %t", len(st.Facets), st.FacetsRegistered)
	}
	writeConfigurations(w, st.Configurations)
	if n := len(st.ProxyUpdates); n > 0 {
		failed := 0
		for _, o := range st.ProxyUpdates {
			if !o.Success {
				failed++
			}
		}
		field(w, "Proxy targets", "%d recorded, %d failed", n, failed)
	}
	if f := cp.Failure; f != nil {
		field(w, "Failure", "step %d (%s) at %s: %s", f.Step, f.StepName, stamp(f.Timestamp), f.Error)
	}
	return nil
}

type cleanupView struct {
	Network    string `json:"network"`
	MaxAgeDays int    `json:"max_age_days"`
	Deleted    int    `json:"deleted"`
}

func (v cleanupView) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Removed %d completed checkpoints older than %d days on %s\n", v.Deleted, v.MaxAgeDays, v.Network)
	return err
}

type deleteView struct {
	ID string `json:"checkpoint_id"`
}

func (v deleteView) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Deleted checkpoint %s\n", v.ID)
	return err
}

type workflowSteps struct {
	WorkflowType checkpoint.WorkflowType `json:"workflow_type"`
	Steps        []string                `json:"steps"`
}

type stepsView struct {
	Workflows []workflowSteps `json:"workflows"`
}

func (v stepsView) WriteText(w io.Writer) error {
	for i, wf := range v.Workflows {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s (%d steps)\n", wf.WorkflowType, len(wf.Steps))
		for j, name := range wf.Steps {
			fmt.Fprintf(w, "  %d  %s\n", j, name)
		}
	}
	return nil
}
