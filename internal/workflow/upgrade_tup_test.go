package workflow_test

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/diamondctl/internal/checkpoint"
	"github.com/roach88/diamondctl/internal/deploy"
	"github.com/roach88/diamondctl/internal/steps"
	"github.com/roach88/diamondctl/internal/testutil"
	"github.com/roach88/diamondctl/internal/workflow"
)

// silentUpgrades reports proxy upgrades as mined without applying them.
type silentUpgrades struct {
	*deploy.Simulated
}

func (silentUpgrades) UpgradeProxy(context.Context, deploy.Signer, common.Address, common.Address, common.Address, deploy.TxOptions) (deploy.TxResult, error) {
	return deploy.TxResult{TxHash: common.HexToHash(testutil.TxHash(1)), GasUsed: 1}, nil
}

func (h *harness) implementation(t *testing.T, proxy string) string {
	t.Helper()
	impl, err := h.backend.Implementation(context.Background(), common.HexToAddress(proxy))
	require.NoError(t, err)
	return impl.Hex()
}

func TestUpgradeTupProxies_DeployNewAndExplicit(t *testing.T) {
	h := newHarness(t)
	sys := h.deploySystem(t)
	factoryImpl := common.HexToAddress(testutil.Address(0xfac)).Hex()

	res, err := h.driver.UpgradeTupProxies(context.Background(), h.signer, network, workflow.UpgradeTupProxiesOptions{
		ProxyAdminAddress:            sys.ProxyAdmin.Address,
		BLRProxyAddress:              sys.BLR.Address,
		DeployNewBLRImpl:             true,
		FactoryProxyAddress:          sys.Factory.Address,
		FactoryImplementationAddress: factoryImpl,
	})
	require.NoError(t, err)

	assert.True(t, res.Summary.Success)
	assert.Equal(t, 2, res.Summary.ProxiesUpgraded)
	assert.Zero(t, res.Summary.ProxiesFailed)

	require.NotNil(t, res.BLRImplementation)
	assert.NotEmpty(t, res.BLRImplementation.TxHash)
	assert.NotEqual(t, sys.BLR.Implementation, res.BLRImplementation.Address)
	require.NotNil(t, res.FactoryImplementation)
	assert.Equal(t, factoryImpl, res.FactoryImplementation.Address)
	assert.Empty(t, res.FactoryImplementation.TxHash)

	require.NotNil(t, res.BLRProxy)
	assert.Equal(t, sys.BLR.Implementation, res.BLRProxy.PreviousVersion)
	assert.Equal(t, res.BLRImplementation.Address, res.BLRProxy.NewVersion)
	require.NotNil(t, res.FactoryProxy)
	assert.Equal(t, factoryImpl, res.FactoryProxy.NewVersion)

	assert.Equal(t, res.BLRImplementation.Address, h.implementation(t, sys.BLR.Address))
	assert.Equal(t, factoryImpl, h.implementation(t, sys.Factory.Address))
	assert.Equal(t, 2, h.backend.Calls(deploy.OpUpgradeProxy))
}

func TestUpgradeTupProxies_SingleTarget(t *testing.T) {
	h := newHarness(t)
	sys := h.deploySystem(t)

	res, err := h.driver.UpgradeTupProxies(context.Background(), h.signer, network, workflow.UpgradeTupProxiesOptions{
		ProxyAdminAddress:    sys.ProxyAdmin.Address,
		FactoryProxyAddress:  sys.Factory.Address,
		DeployNewFactoryImpl: true,
	})
	require.NoError(t, err)
	assert.Nil(t, res.BLRImplementation)
	assert.Nil(t, res.BLRProxy)
	require.NotNil(t, res.FactoryProxy)
	assert.True(t, res.FactoryProxy.Success)
	assert.Equal(t, sys.BLR.Implementation, h.implementation(t, sys.BLR.Address))

	cp := h.load(t, res.CheckpointID)
	assert.Equal(t, steps.Last(checkpoint.WorkflowUpgradeTupProxies), cp.CurrentStep)
}

func TestUpgradeTupProxies_AlreadyUpgraded(t *testing.T) {
	h := newHarness(t)
	sys := h.deploySystem(t)

	res, err := h.driver.UpgradeTupProxies(context.Background(), h.signer, network, workflow.UpgradeTupProxiesOptions{
		ProxyAdminAddress:        sys.ProxyAdmin.Address,
		BLRProxyAddress:          sys.BLR.Address,
		BLRImplementationAddress: sys.BLR.Implementation,
	})
	require.NoError(t, err)
	require.NotNil(t, res.BLRProxy)
	assert.True(t, res.BLRProxy.Success)
	assert.Empty(t, res.BLRProxy.TransactionHash)
	assert.Zero(t, h.backend.Calls(deploy.OpUpgradeProxy))
}

func TestUpgradeTupProxies_Verify(t *testing.T) {
	h := newHarness(t)
	sys := h.deploySystem(t)
	driver := h.newDriver(silentUpgrades{h.backend})
	target := common.HexToAddress(testutil.Address(0xb1a)).Hex()

	opts := workflow.UpgradeTupProxiesOptions{
		ProxyAdminAddress:        sys.ProxyAdmin.Address,
		BLRProxyAddress:          sys.BLR.Address,
		BLRImplementationAddress: target,
	}

	// Without verification the mined transaction is taken at its word.
	res, err := driver.UpgradeTupProxies(context.Background(), h.signer, network, opts)
	require.NoError(t, err)
	assert.True(t, res.BLRProxy.Success)

	opts.Verify = true
	opts.IgnoreCheckpoint = true
	res, err = driver.UpgradeTupProxies(context.Background(), h.signer, network, opts)
	require.NoError(t, err)
	require.NotNil(t, res.BLRProxy)
	assert.False(t, res.BLRProxy.Success)
	assert.Contains(t, res.BLRProxy.Error, "verify")
	assert.NotEmpty(t, res.BLRProxy.TransactionHash)
	assert.Equal(t, 1, res.Summary.ProxiesFailed)
}

func TestUpgradeTupProxies_IndependentTargets(t *testing.T) {
	h := newHarness(t)
	sys := h.deploySystem(t)
	h.backend.Inject(deploy.Fault{Op: deploy.OpUpgradeProxy, Target: sys.BLR.Address, Err: errBoom})

	res, err := h.driver.UpgradeTupProxies(context.Background(), h.signer, network, workflow.UpgradeTupProxiesOptions{
		ProxyAdminAddress:    sys.ProxyAdmin.Address,
		BLRProxyAddress:      sys.BLR.Address,
		DeployNewBLRImpl:     true,
		FactoryProxyAddress:  sys.Factory.Address,
		DeployNewFactoryImpl: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Summary.Success)
	assert.Equal(t, 1, res.Summary.ProxiesUpgraded)
	assert.Equal(t, 1, res.Summary.ProxiesFailed)
	assert.False(t, res.BLRProxy.Success)
	assert.Contains(t, res.BLRProxy.Error, "boom")
	assert.Equal(t, sys.BLR.Implementation, res.BLRProxy.PreviousVersion)
	assert.True(t, res.FactoryProxy.Success)
	assert.Equal(t, sys.BLR.Implementation, h.implementation(t, sys.BLR.Address))
}

func TestUpgradeTupProxies_ResumeAfterImplementationFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sys := h.deploySystem(t)
	h.backend.Inject(deploy.Fault{Op: deploy.OpDeployContract, Target: deploy.FactoryContract, Err: errBoom, Times: 1})

	opts := workflow.UpgradeTupProxiesOptions{
		ProxyAdminAddress:    sys.ProxyAdmin.Address,
		BLRProxyAddress:      sys.BLR.Address,
		DeployNewBLRImpl:     true,
		FactoryProxyAddress:  sys.Factory.Address,
		DeployNewFactoryImpl: true,
	}
	_, err := h.driver.UpgradeTupProxies(ctx, h.signer, network, opts)
	var se *workflow.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, steps.FactoryImplementation, se.StepName)
	assert.Zero(t, h.backend.Calls(deploy.OpUpgradeProxy))

	blrImpl := h.load(t, se.CheckpointID).Steps.BLRImplementation
	require.NotNil(t, blrImpl)

	res, err := h.driver.UpgradeTupProxies(ctx, h.signer, network, opts)
	require.NoError(t, err)
	assert.Equal(t, blrImpl.Address, res.BLRImplementation.Address)
	assert.Equal(t, 2, res.Summary.ProxiesUpgraded)
}
