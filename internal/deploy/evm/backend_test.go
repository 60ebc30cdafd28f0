package evm

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, dir, sub, name, body string) {
	t.Helper()
	path := filepath.Join(dir, sub, name+".sol", name+".json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestArtifacts_Bytecode(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "contracts/resolver", "BusinessLogicResolver",
		`{"contractName":"BusinessLogicResolver","abi":[],"bytecode":"0x6080604052"}`)
	writeArtifact(t, dir, "contracts/interfaces", "IFacet",
		`{"contractName":"IFacet","abi":[],"bytecode":"0x"}`)

	a := NewArtifacts(dir)
	code, err := a.Bytecode("BusinessLogicResolver")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80, 0x60, 0x40, 0x52}, code)

	// served from cache after the file is gone
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "contracts/resolver")))
	_, err = a.Bytecode("BusinessLogicResolver")
	assert.NoError(t, err)

	_, err = a.Bytecode("IFacet")
	assert.ErrorContains(t, err, "no bytecode")

	_, err = a.Bytecode("Missing")
	assert.ErrorContains(t, err, "not found")
}

func TestArtifacts_NameMismatch(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "contracts", "Factory", `{"contractName":"Other","bytecode":"0x60"}`)
	_, err := NewArtifacts(dir).Bytecode("Factory")
	assert.Error(t, err)
}

func TestProxyInitCode(t *testing.T) {
	code := []byte{0xde, 0xad}
	impl := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	admin := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	out, err := proxyInitCode(code, impl, admin)
	require.NoError(t, err)
	require.Len(t, out, len(code)+4*32)

	args := out[len(code):]
	assert.Equal(t, common.LeftPadBytes(impl.Bytes(), 32), args[0:32])
	assert.Equal(t, common.LeftPadBytes(admin.Bytes(), 32), args[32:64])
	assert.Equal(t, common.LeftPadBytes([]byte{0x60}, 32), args[64:96], "offset of data")
	assert.Equal(t, make([]byte, 32), args[96:128], "empty data")
}

func TestAddressFromSlot(t *testing.T) {
	slot := common.HexToHash("0x000000000000000000000000f39fd6e51aad88f6f4ce6ab8827279cfffb92266")
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), addressFromSlot(slot))
}

func TestConfirmed(t *testing.T) {
	assert.True(t, confirmed(big.NewInt(10), big.NewInt(10), 1))
	assert.False(t, confirmed(big.NewInt(10), big.NewInt(10), 2))
	assert.True(t, confirmed(big.NewInt(10), big.NewInt(11), 2))
	assert.False(t, confirmed(nil, big.NewInt(11), 2))
}

func TestDial_RequiresSettings(t *testing.T) {
	_, err := Dial(Config{ChainID: 31337})
	assert.Error(t, err)
	_, err = Dial(Config{RPCURL: "http://127.0.0.1:8545"})
	assert.Error(t, err)
}
