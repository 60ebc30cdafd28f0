package deploy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hardhatKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var deployer = AddressSigner(common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"))

func TestNewKeySigner(t *testing.T) {
	s, err := NewKeySigner(hardhatKey)
	require.NoError(t, err)
	assert.Equal(t, common.Address(deployer), s.Address())

	_, err = NewKeySigner("not-a-key")
	assert.Error(t, err)
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	require.NoError(t, err)
	assert.Equal(t, common.Address(deployer), addr)

	for _, bad := range []string{"", "0x123", "f39Fd6e51aad88F6F4ce6aB8827279cffFb92266", "0xZZZFd6e51aad88F6F4ce6aB8827279cffFb92266"} {
		_, err := ParseAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestSimulated_DeterministicAddresses(t *testing.T) {
	ctx := context.Background()
	a, b := NewSimulated(), NewSimulated()

	for i := 0; i < 3; i++ {
		da, err := a.DeployContract(ctx, deployer, "X", TxOptions{})
		require.NoError(t, err)
		db, err := b.DeployContract(ctx, deployer, "X", TxOptions{})
		require.NoError(t, err)
		assert.Equal(t, da, db)
		assert.Equal(t, crypto.CreateAddress(deployer.Address(), uint64(i)), da.Address)
		assert.Equal(t, SimDeployGas, da.GasUsed)
	}
}

func TestSimulated_FaultTimes(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated()
	boom := errors.New("boom")
	sim.Inject(Fault{Op: OpDeployContract, Target: "BLR", Err: boom, Times: 1})

	_, err := sim.DeployContract(ctx, deployer, "BLR", TxOptions{})
	assert.ErrorIs(t, err, boom)

	_, err = sim.DeployContract(ctx, deployer, "BLR", TxOptions{})
	assert.NoError(t, err)

	_, err = sim.DeployContract(ctx, deployer, "Other", TxOptions{})
	assert.NoError(t, err)
	assert.Equal(t, 3, sim.Calls(OpDeployContract))
}

func TestSimulated_PermanentFault(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated()
	sim.Inject(Fault{Op: OpUpgradeProxy, Err: errors.New("reverted")})

	for i := 0; i < 3; i++ {
		_, err := sim.UpgradeProxy(ctx, deployer, common.Address{}, common.Address{1}, common.Address{2}, TxOptions{})
		assert.Error(t, err)
	}
	sim.ClearFaults()
	_, err := sim.UpgradeProxy(ctx, deployer, common.Address{}, common.Address{1}, common.Address{2}, TxOptions{})
	require.NoError(t, err)

	impl, err := sim.Implementation(ctx, common.Address{1})
	require.NoError(t, err)
	assert.Equal(t, common.Address{2}, impl)
}

func TestSimulated_ConfigurationRequiresRegisteredFacets(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated()
	resolver := common.Address{0xaa}
	facet := FacetRef{Key: crypto.Keccak256Hash([]byte("ERC20Facet")), Address: common.Address{0xbb}}
	configID := common.BigToHash(common.Big1)

	_, err := sim.CreateConfiguration(ctx, deployer, resolver, configID, []FacetRef{facet}, TxOptions{})
	require.Error(t, err)

	_, err = sim.RegisterFacets(ctx, deployer, resolver, []FacetRef{facet}, TxOptions{})
	require.NoError(t, err)
	got, ok := sim.Registered(resolver, facet.Key)
	require.True(t, ok)
	assert.Equal(t, facet.Address, got)

	c1, err := sim.CreateConfiguration(ctx, deployer, resolver, configID, []FacetRef{facet}, TxOptions{})
	require.NoError(t, err)
	c2, err := sim.CreateConfiguration(ctx, deployer, resolver, configID, []FacetRef{facet}, TxOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c1.Version)
	assert.Equal(t, uint64(2), c2.Version)
}

func TestSimulated_ConfigInfo(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated()
	proxy := common.Address{0x10}
	equity := common.BigToHash(common.Big1)
	sim.SetConfigInfo(proxy, ConfigInfo{ConfigID: equity, Version: 3})

	info, err := sim.ConfigInfo(ctx, proxy)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.Version)

	_, err = sim.UpdateConfigVersion(ctx, deployer, proxy, equity, 4, TxOptions{})
	require.NoError(t, err)
	info, err = sim.ConfigInfo(ctx, proxy)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), info.Version)

	_, err = sim.UpdateConfigVersion(ctx, deployer, proxy, common.BigToHash(common.Big2), 5, TxOptions{})
	assert.Error(t, err, "wrong configuration")

	_, err = sim.ConfigInfo(ctx, common.Address{0x11})
	assert.Error(t, err, "unknown proxy")
}

func TestSimulated_ConcurrentDeploysGetDistinctAddresses(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated()

	var mu sync.Mutex
	seen := map[common.Address]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := sim.DeployContract(ctx, deployer, "Facet", TxOptions{})
			assert.NoError(t, err)
			mu.Lock()
			seen[d.Address] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 32)
}

func TestSimulated_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSimulated().DeployContract(ctx, deployer, "X", TxOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
