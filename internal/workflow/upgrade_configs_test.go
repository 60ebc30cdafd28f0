package workflow_test

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/deploy"
	"github.com/roach88/diamondctl/internal/facets"
	"github.com/roach88/diamondctl/internal/steps"
	"github.com/roach88/diamondctl/internal/testutil"
	"github.com/roach88/diamondctl/internal/workflow"
)

// seedToken registers a resolver proxy pinned to version 1 of kind.
func (h *harness) seedToken(seed int, blr string, kind facets.Kind) string {
	token := common.HexToAddress(testutil.Address(seed))
	h.backend.SetConfigInfo(token, deploy.ConfigInfo{
		Resolver: common.HexToAddress(blr),
		ConfigID: kind.ConfigID(),
		Version:  1,
	})
	return token.Hex()
}

func TestUpgradeConfigurations_PartialProxyFailure(t *testing.T) {
	h := newHarness(t)
	sys := h.deploySystem(t)
	equityToken := h.seedToken(0xe1, sys.BLR.Address, facets.Equity)
	bondToken := h.seedToken(0xb1, sys.BLR.Address, facets.Bond)

	res, err := h.driver.UpgradeConfigurations(context.Background(), h.signer, network, workflow.UpgradeConfigurationsOptions{
		BLRAddress:     sys.BLR.Address,
		ProxyAddresses: []string{equityToken, "not-an-address", bondToken},
	})
	require.NoError(t, err)

	assert.True(t, res.Summary.Success)
	assert.Equal(t, 2, res.Summary.ProxiesUpdated)
	assert.Equal(t, 1, res.Summary.ProxiesFailed)
	assert.Equal(t, 2, res.Summary.ConfigurationsCreated)
	assert.Equal(t, len(facets.ForSelection(facets.SelectBoth, false)), res.Summary.TotalFacetsDeployed)

	require.NotNil(t, res.Configurations.Equity)
	assert.Equal(t, uint64(2), res.Configurations.Equity.Version)
	assert.Equal(t, uint64(2), res.Configurations.Bond.Version)

	require.Len(t, res.ProxyUpdates, 3)
	assert.Equal(t, equityToken, res.ProxyUpdates[0].ProxyAddress)
	assert.True(t, res.ProxyUpdates[0].Success)
	assert.Equal(t, "1", res.ProxyUpdates[0].PreviousVersion)
	assert.Equal(t, "2", res.ProxyUpdates[0].NewVersion)
	assert.NotEmpty(t, res.ProxyUpdates[0].TransactionHash)

	assert.Equal(t, "not-an-address", res.ProxyUpdates[1].ProxyAddress)
	assert.False(t, res.ProxyUpdates[1].Success)
	assert.Contains(t, res.ProxyUpdates[1].Error, "invalid address")

	assert.True(t, res.ProxyUpdates[2].Success)

	info, err := h.backend.ConfigInfo(context.Background(), common.HexToAddress(equityToken))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.Version)

	cp := h.load(t, res.CheckpointID)
	assert.Equal(t, checkpoint.StatusCompleted, cp.Status)
	assert.Len(t, cp.Steps.ProxyUpdates, 3)
}

func TestUpgradeConfigurations_AllTargetsFailedIsNotFatalByDefault(t *testing.T) {
	h := newHarness(t)
	sys := h.deploySystem(t)

	res, err := h.driver.UpgradeConfigurations(context.Background(), h.signer, network, workflow.UpgradeConfigurationsOptions{
		BLRAddress:     sys.BLR.Address,
		ProxyAddresses: []string{testutil.Address(0x51), testutil.Address(0x52)},
	})
	require.NoError(t, err)
	assert.True(t, res.Summary.Success)
	assert.Equal(t, 0, res.Summary.ProxiesUpdated)
	assert.Equal(t, 2, res.Summary.ProxiesFailed)
}

func TestUpgradeConfigurations_FailOnAllTargetsFailedThenResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sys := h.deploySystem(t)
	token := testutil.Address(0x77)

	_, err := h.driver.UpgradeConfigurations(ctx, h.signer, network, workflow.UpgradeConfigurationsOptions{
		Execution:      workflow.Execution{FailOnAllTargetsFailed: true},
		BLRAddress:     sys.BLR.Address,
		ProxyAddresses: []string{token},
	})
	require.Error(t, err)

	var se *workflow.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, steps.ProxyUpdates, se.StepName)
	assert.Equal(t, 4, se.Step)

	cp := h.load(t, se.CheckpointID)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, 4, cp.CurrentStep)
	assert.False(t, cp.Steps.ProxyUpdates[token].Success)

	// The proxy now exists; the failed target is attempted again.
	h.seedToken(0x77, sys.BLR.Address, facets.Equity)
	configs := h.backend.Calls(deploy.OpCreateConfiguration)

	res, err := h.driver.UpgradeConfigurations(ctx, h.signer, network, workflow.UpgradeConfigurationsOptions{
		RunOptions: workflow.RunOptions{ResumeFrom: se.CheckpointID},
	})
	require.NoError(t, err)
	assert.True(t, res.Summary.Resumed)
	assert.Equal(t, 1, res.Summary.ProxiesUpdated)
	assert.Equal(t, 0, res.Summary.ProxiesFailed)
	assert.Equal(t, configs, h.backend.Calls(deploy.OpCreateConfiguration))
}

func TestUpgradeConfigurations_AlreadyPinned(t *testing.T) {
	h := newHarness(t)
	sys := h.deploySystem(t)
	token := common.HexToAddress(testutil.Address(0x99))
	h.backend.SetConfigInfo(token, deploy.ConfigInfo{
		Resolver: common.HexToAddress(sys.BLR.Address),
		ConfigID: facets.Equity.ConfigID(),
		Version:  2,
	})

	res, err := h.driver.UpgradeConfigurations(context.Background(), h.signer, network, workflow.UpgradeConfigurationsOptions{
		BLRAddress:     sys.BLR.Address,
		Configurations: "equity",
		ProxyAddresses: []string{token.Hex()},
	})
	require.NoError(t, err)
	require.Len(t, res.ProxyUpdates, 1)
	assert.True(t, res.ProxyUpdates[0].Success)
	assert.Empty(t, res.ProxyUpdates[0].TransactionHash)
	assert.Zero(t, h.backend.Calls(deploy.OpUpdateConfigVersion))
}

func TestUpgradeConfigurations_ProxyOnUnselectedConfiguration(t *testing.T) {
	h := newHarness(t)
	sys := h.deploySystem(t)
	bondToken := h.seedToken(0xb2, sys.BLR.Address, facets.Bond)

	res, err := h.driver.UpgradeConfigurations(context.Background(), h.signer, network, workflow.UpgradeConfigurationsOptions{
		BLRAddress:     sys.BLR.Address,
		Configurations: "equity",
		ProxyAddresses: []string{bondToken},
	})
	require.NoError(t, err)
	require.Len(t, res.ProxyUpdates, 1)
	assert.False(t, res.ProxyUpdates[0].Success)
	assert.Contains(t, res.ProxyUpdates[0].Error, "did not upgrade")
	assert.Nil(t, res.Configurations.Bond)
}

func TestUpgradeConfigurations_DoesNotMutateInput(t *testing.T) {
	h := newHarness(t)
	sys := h.deploySystem(t)
	token := h.seedToken(0xe2, sys.BLR.Address, facets.Equity)

	proxies := []string{" " + token + " ", token, "not-an-address"}
	opts := workflow.UpgradeConfigurationsOptions{
		BLRAddress:     sys.BLR.Address,
		ProxyAddresses: proxies,
	}
	res, err := h.driver.UpgradeConfigurations(context.Background(), h.signer, network, opts)
	require.NoError(t, err)

	assert.Equal(t, []string{" " + token + " ", token, "not-an-address"}, proxies)
	assert.Equal(t, []string{" " + token + " ", token, "not-an-address"}, opts.ProxyAddresses)
	assert.Zero(t, opts.BatchSize)
	assert.Empty(t, opts.Configurations)

	// Duplicates collapse to one update.
	assert.Len(t, res.ProxyUpdates, 2)
}

func TestUpgradeConfigurations_ResumeAfterConfigurationFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sys := h.deploySystem(t)
	token := h.seedToken(0xe3, sys.BLR.Address, facets.Equity)
	h.backend.Inject(deploy.Fault{Op: deploy.OpCreateConfiguration, Target: facets.Bond.ConfigID().Hex(), Err: errBoom, Times: 1})

	opts := workflow.UpgradeConfigurationsOptions{
		BLRAddress:     sys.BLR.Address,
		ProxyAddresses: []string{token},
	}
	_, err := h.driver.UpgradeConfigurations(ctx, h.signer, network, opts)
	var se *workflow.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, steps.BondConfiguration, se.StepName)

	cp := h.load(t, se.CheckpointID)
	require.NotNil(t, cp.Steps.Configurations.Equity)
	assert.Nil(t, cp.Steps.Configurations.Bond)
	assert.Empty(t, cp.Steps.ProxyUpdates)

	deploys := h.backend.Calls(deploy.OpDeployContract)
	res, err := h.driver.UpgradeConfigurations(ctx, h.signer, network, opts)
	require.NoError(t, err)
	assert.Equal(t, se.CheckpointID, res.CheckpointID)
	assert.Equal(t, deploys, h.backend.Calls(deploy.OpDeployContract))
	assert.Equal(t, cp.Steps.Configurations.Equity.TxHash, res.Configurations.Equity.TxHash)
	assert.Equal(t, 1, res.Summary.ProxiesUpdated)
}
