package testutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/steps"
)

// TestDeployer is the deployer address stamped on fixture checkpoints.
const TestDeployer = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

// CheckpointState describes a fixture checkpoint. Zero fields get defaults:
// network "hardhat", status in-progress, workflow newBlr, created at Epoch.
type CheckpointState struct {
	Network      string
	Status       checkpoint.Status
	CurrentStep  int
	WorkflowType checkpoint.WorkflowType
	CreatedAt    time.Time
	Steps        checkpoint.Steps
}

// CreateCheckpointWithState builds a checkpoint in the given state without
// persisting it.
func CreateCheckpointWithState(s CheckpointState) *checkpoint.Checkpoint {
	if s.Network == "" {
		s.Network = "hardhat"
	}
	if s.Status == "" {
		s.Status = checkpoint.StatusInProgress
	}
	if s.WorkflowType == "" {
		s.WorkflowType = checkpoint.WorkflowNewBlr
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = Epoch
	}
	if s.Steps.Facets == nil {
		s.Steps.Facets = checkpoint.FacetMap{}
	}
	if s.Steps.ProxyUpdates == nil {
		s.Steps.ProxyUpdates = map[string]checkpoint.ProxyUpdateOutcome{}
	}

	created := s.CreatedAt.UTC().Truncate(time.Millisecond)
	return &checkpoint.Checkpoint{
		ID:           checkpoint.NewID(s.Network, created),
		Network:      s.Network,
		Deployer:     TestDeployer,
		Status:       s.Status,
		CurrentStep:  s.CurrentStep,
		WorkflowType: s.WorkflowType,
		StartTime:    created,
		LastUpdate:   created,
		Steps:        s.Steps,
	}
}

// SimulateFailureAtStep marks cp as failed at step with the given message,
// the way a driver records a mandatory-step failure.
func SimulateFailureAtStep(cp *checkpoint.Checkpoint, step int, message string) {
	name, err := steps.Name(step, cp.WorkflowType)
	if err != nil {
		name = fmt.Sprintf("step %d", step)
	}
	cp.MarkFailed(step, name, errors.New(message), cp.LastUpdate)
}

// Address returns a deterministic, well-formed address for seed.
func Address(seed int) string {
	return fmt.Sprintf("0x%040x", seed)
}

// TxHash returns a deterministic, well-formed transaction hash for seed.
func TxHash(seed int) string {
	return fmt.Sprintf("0x%064x", seed)
}

// Contract returns a fixture deployed contract for seed.
func Contract(seed int) checkpoint.DeployedContract {
	return checkpoint.DeployedContract{
		Address:    Address(seed),
		TxHash:     TxHash(seed),
		DeployedAt: Epoch.Add(time.Duration(seed) * time.Second),
		GasUsed:    uint64(100_000 + seed),
	}
}

// Facets returns n fixture facets named Facet000, Facet001, ... . When
// timeTravel is set every other facet carries the TimeTravel suffix.
func Facets(n int, timeTravel bool) checkpoint.FacetMap {
	m := make(checkpoint.FacetMap, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("Facet%03d", i)
		if timeTravel && i%2 == 1 {
			name += "TimeTravel"
		}
		m[name] = Contract(i + 1)
	}
	return m
}
