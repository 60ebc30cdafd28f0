package workflow

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecution_Defaults(t *testing.T) {
	e := Execution{}.normalize()
	assert.Equal(t, DefaultBatchSize, e.BatchSize)
	assert.Equal(t, DefaultConfirmations, e.Confirmations)
	assert.Zero(t, e.MaxRetries)
	assert.False(t, e.FailOnAllTargetsFailed)

	e = Execution{EnableRetry: true}.normalize()
	assert.Equal(t, DefaultMaxRetries, e.MaxRetries)

	e = Execution{BatchSize: 2, Confirmations: 3, EnableRetry: true, MaxRetries: 7}.normalize()
	assert.Equal(t, Execution{BatchSize: 2, Confirmations: 3, EnableRetry: true, MaxRetries: 7}, e)
}

func TestNewBlrOptions_NormalizeSelection(t *testing.T) {
	o := NewBlrOptions{Configurations: " Equity "}.normalize()
	assert.Equal(t, "equity", o.Configurations)
	require.NoError(t, o.validate())

	o = NewBlrOptions{}.normalize()
	assert.Equal(t, "both", o.Configurations)
}

func TestUpgradeTupProxiesOptions_Checksums(t *testing.T) {
	o := UpgradeTupProxiesOptions{
		ProxyAdminAddress:    " 0x00000000000000000000000000000000000000aa ",
		FactoryProxyAddress:  "0x00000000000000000000000000000000000000bb",
		DeployNewFactoryImpl: true,
	}.normalize()
	assert.Equal(t, common.HexToAddress("0xaa").Hex(), o.ProxyAdminAddress)
	require.NoError(t, o.validate())
}

func TestUpgradeTupProxiesOptions_SameProxyTwice(t *testing.T) {
	o := UpgradeTupProxiesOptions{
		ProxyAdminAddress:    "0x0000000000000000000000000000000000000001",
		BLRProxyAddress:      "0x0000000000000000000000000000000000000002",
		DeployNewBLRImpl:     true,
		FactoryProxyAddress:  "0x0000000000000000000000000000000000000002",
		DeployNewFactoryImpl: true,
	}.normalize()
	err := o.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same as blr_proxy_address")
}

func TestUniqueTrimmed(t *testing.T) {
	in := []string{" a", "b", "a ", "", "c", "b"}
	assert.Equal(t, []string{"a", "b", "c"}, uniqueTrimmed(in))
	assert.Equal(t, []string{" a", "b", "a ", "", "c", "b"}, in)
	assert.Nil(t, uniqueTrimmed(nil))
}

func TestChunk(t *testing.T) {
	assert.Nil(t, chunk(nil, 3))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunk([]string{"a", "b", "c"}, 2))
	assert.Equal(t, [][]string{{"a"}, {"b"}}, chunk([]string{"a", "b"}, 0))
}
