package workflow_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/deploy"
	"github.com/roach88/diamondctl/internal/testutil"
	"github.com/roach88/diamondctl/internal/workflow"
)

const network = "hardhat"

type memWriter struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (w *memWriter) Write(_ context.Context, path string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = append([]byte(nil), data...)
	return nil
}

type harness struct {
	clock   *testutil.Clock
	store   *checkpoint.FileStore
	manager *checkpoint.Manager
	backend *deploy.Simulated
	driver  *workflow.Driver
	out     *memWriter
	signer  deploy.Signer
}

func newHarness(t *testing.T, opts ...workflow.Option) *harness {
	t.Helper()
	h := &harness{
		clock:   testutil.NewTickingClock(testutil.Epoch, time.Millisecond),
		store:   checkpoint.NewFileStore(t.TempDir()),
		backend: deploy.NewSimulated(),
		out:     &memWriter{files: make(map[string][]byte)},
		signer:  deploy.AddressSigner(common.HexToAddress(testutil.TestDeployer)),
	}
	h.manager = checkpoint.NewManager(h.store, checkpoint.WithClock(h.clock))
	h.driver = h.newDriver(h.backend, opts...)
	return h
}

// newDriver builds a driver sharing the harness manager over backend.
func (h *harness) newDriver(backend deploy.Backend, opts ...workflow.Option) *workflow.Driver {
	base := []workflow.Option{
		workflow.WithClock(h.clock),
		workflow.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		workflow.WithOutput(h.out),
		workflow.WithBackoff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}
	return workflow.New(h.manager, backend, append(base, opts...)...)
}

func (h *harness) load(t *testing.T, id string) *checkpoint.Checkpoint {
	t.Helper()
	cp, err := h.manager.Load(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, cp, "checkpoint %s", id)
	return cp
}

func (h *harness) checkpoints(t *testing.T) []*checkpoint.Checkpoint {
	t.Helper()
	cps, err := h.manager.Find(context.Background(), network)
	require.NoError(t, err)
	return cps
}

// deploySystem runs a full newBlr deployment and returns its result.
func (h *harness) deploySystem(t *testing.T) *workflow.NewBlrResult {
	t.Helper()
	res, err := h.driver.DeploySystemWithNewBlr(context.Background(), h.signer, network, workflow.NewBlrOptions{})
	require.NoError(t, err)
	require.True(t, res.Summary.Success)
	return res
}

func TestValidation_NeverTouchesStorage(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		run   func(h *harness) error
		field string
	}{
		{
			name: "empty network",
			run: func(h *harness) error {
				_, err := h.driver.DeploySystemWithNewBlr(ctx, h.signer, "  ", workflow.NewBlrOptions{})
				return err
			},
			field: "network",
		},
		{
			name: "unknown configuration selection",
			run: func(h *harness) error {
				_, err := h.driver.DeploySystemWithNewBlr(ctx, h.signer, network, workflow.NewBlrOptions{Configurations: "preferred"})
				return err
			},
			field: "configurations",
		},
		{
			name: "negative batch size",
			run: func(h *harness) error {
				_, err := h.driver.DeploySystemWithNewBlr(ctx, h.signer, network, workflow.NewBlrOptions{Execution: workflow.Execution{BatchSize: -1}})
				return err
			},
			field: "batch_size",
		},
		{
			name: "missing blr address",
			run: func(h *harness) error {
				_, err := h.driver.UpgradeConfigurations(ctx, h.signer, network, workflow.UpgradeConfigurationsOptions{})
				return err
			},
			field: "blr_address",
		},
		{
			name: "malformed blr address",
			run: func(h *harness) error {
				_, err := h.driver.UpgradeConfigurations(ctx, h.signer, network, workflow.UpgradeConfigurationsOptions{BLRAddress: "0x1234"})
				return err
			},
			field: "blr_address",
		},
		{
			name: "tup without targets",
			run: func(h *harness) error {
				_, err := h.driver.UpgradeTupProxies(ctx, h.signer, network, workflow.UpgradeTupProxiesOptions{
					ProxyAdminAddress: testutil.Address(1),
				})
				return err
			},
			field: "",
		},
		{
			name: "tup with both implementation sources",
			run: func(h *harness) error {
				_, err := h.driver.UpgradeTupProxies(ctx, h.signer, network, workflow.UpgradeTupProxiesOptions{
					ProxyAdminAddress:        testutil.Address(1),
					BLRProxyAddress:          testutil.Address(2),
					DeployNewBLRImpl:         true,
					BLRImplementationAddress: testutil.Address(3),
				})
				return err
			},
			field: "blr_implementation_address",
		},
		{
			name: "tup with no implementation source",
			run: func(h *harness) error {
				_, err := h.driver.UpgradeTupProxies(ctx, h.signer, network, workflow.UpgradeTupProxiesOptions{
					ProxyAdminAddress:   testutil.Address(1),
					FactoryProxyAddress: testutil.Address(2),
				})
				return err
			},
			field: "factory_implementation_address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			err := tt.run(h)
			require.Error(t, err)
			assert.True(t, workflow.IsValidationError(err), "got %v", err)

			var ve *workflow.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)

			cps, err := h.store.List(ctx, network)
			require.NoError(t, err)
			assert.Empty(t, cps)
			assert.Zero(t, h.backend.Calls(deploy.OpDeployContract))
		})
	}
}

func TestResumeFrom_NotFound(t *testing.T) {
	for _, id := range []string{"hardhat-1", "bogus", "does-not-exist"} {
		t.Run(id, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.driver.DeploySystemWithNewBlr(context.Background(), h.signer, network, workflow.NewBlrOptions{
				RunOptions: workflow.RunOptions{ResumeFrom: id},
			})
			require.Error(t, err)
			assert.True(t, workflow.IsCheckpointNotFound(err), "%v", err)
			assert.Empty(t, h.checkpoints(t))
		})
	}
}

func TestResumeFrom_WorkflowMismatch(t *testing.T) {
	h := newHarness(t)
	res := h.deploySystem(t)

	_, err := h.driver.UpgradeTupProxies(context.Background(), h.signer, network, workflow.UpgradeTupProxiesOptions{
		RunOptions: workflow.RunOptions{ResumeFrom: res.CheckpointID},
	})
	require.Error(t, err)
	assert.True(t, workflow.IsValidationError(err))
	assert.Contains(t, err.Error(), "newBlr")
}

func TestResumeFrom_NetworkMismatch(t *testing.T) {
	h := newHarness(t)
	res := h.deploySystem(t)

	_, err := h.driver.DeploySystemWithNewBlr(context.Background(), h.signer, "sepolia", workflow.NewBlrOptions{
		RunOptions: workflow.RunOptions{ResumeFrom: res.CheckpointID},
	})
	require.Error(t, err)
	assert.True(t, workflow.IsValidationError(err))
}

func TestCompletedCheckpointIsNotResumed(t *testing.T) {
	h := newHarness(t)
	first := h.deploySystem(t)
	second := h.deploySystem(t)

	assert.NotEqual(t, first.CheckpointID, second.CheckpointID)
	assert.False(t, second.Summary.Resumed)
	assert.NotEqual(t, first.BLR.Address, second.BLR.Address)
	assert.Len(t, h.checkpoints(t), 2)
}

func TestRunOptions_DeleteOnSuccess(t *testing.T) {
	h := newHarness(t)
	res, err := h.driver.DeploySystemWithNewBlr(context.Background(), h.signer, network, workflow.NewBlrOptions{
		RunOptions: workflow.RunOptions{DeleteOnSuccess: true},
	})
	require.NoError(t, err)
	assert.True(t, res.Summary.Success)

	cp, err := h.manager.Load(context.Background(), res.CheckpointID)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestRunOptions_SaveOutputDefaultPath(t *testing.T) {
	h := newHarness(t, workflow.WithRunIDGenerator(workflow.NewFixedGenerator("run-1")))
	res, err := h.driver.DeploySystemWithNewBlr(context.Background(), h.signer, network, workflow.NewBlrOptions{
		RunOptions: workflow.RunOptions{SaveOutput: true},
	})
	require.NoError(t, err)

	want := workflow.DefaultOutputPath(network, checkpoint.WorkflowNewBlr, res.Timestamp)
	assert.Equal(t, want, res.OutputPath)
	assert.Regexp(t, `^deployments/hardhat/newBlr-\d+\.json$`, res.OutputPath)

	data, ok := h.out.files[want]
	require.True(t, ok, "output not written")

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "run-1", doc["run_id"])
	assert.Equal(t, res.CheckpointID, doc["checkpoint_id"])
	assert.Equal(t, true, doc["summary"].(map[string]any)["success"])
}

func TestRunOptions_SaveOutputExplicitPath(t *testing.T) {
	h := newHarness(t)
	res, err := h.driver.DeploySystemWithNewBlr(context.Background(), h.signer, network, workflow.NewBlrOptions{
		RunOptions: workflow.RunOptions{SaveOutput: true, OutputPath: "s3://deployments/hardhat/latest.json"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s3://deployments/hardhat/latest.json", res.OutputPath)
	assert.Contains(t, h.out.files, "s3://deployments/hardhat/latest.json")
}

func TestRunOptions_NotPersisted(t *testing.T) {
	h := newHarness(t)
	res, err := h.driver.DeploySystemWithNewBlr(context.Background(), h.signer, network, workflow.NewBlrOptions{
		RunOptions: workflow.RunOptions{SaveOutput: true, OutputPath: "out/result.json"},
	})
	require.NoError(t, err)

	cp := h.load(t, res.CheckpointID)
	assert.NotContains(t, string(cp.Options), "out/result.json")
	assert.Contains(t, string(cp.Options), `"batch_size":5`)
}
