// Package deploy defines the on-chain primitives the workflows call: deploy a
// contract, wrap it in a transparent proxy, register facets, create and pin
// configurations, and upgrade proxies.
//
// Backends:
//   - Simulated: in-memory, deterministic, used for --dry-run and tests
//   - evm.Backend: JSON-RPC against a real node
package deploy

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Contract names the workflows deploy besides facets.
const (
	ProxyAdminContract = "ProxyAdmin"
	ResolverContract   = "BusinessLogicResolver"
	FactoryContract    = "Factory"
	ProxyContract      = "TransparentUpgradeableProxy"
)

// TxOptions applies to every state-changing call.
type TxOptions struct {
	// Confirmations is the number of blocks to wait after inclusion.
	Confirmations int
}

// TxResult is a mined transaction.
type TxResult struct {
	TxHash  common.Hash
	GasUsed uint64
}

// Deployment is a mined contract creation.
type Deployment struct {
	Address common.Address
	TxResult
}

// Configuration is the outcome of creating a resolver configuration.
type Configuration struct {
	Version uint64
	TxResult
}

// ConfigInfo is the configuration a resolver proxy is pinned to.
type ConfigInfo struct {
	Resolver common.Address
	ConfigID common.Hash
	Version  uint64
}

// FacetRef is a facet as registered in the resolver.
type FacetRef struct {
	Key     common.Hash
	Address common.Address
}

// Backend executes deployment primitives. Every method blocks until the
// transaction has the requested confirmations or fails.
type Backend interface {
	DeployContract(ctx context.Context, s Signer, name string, opts TxOptions) (Deployment, error)
	DeployProxy(ctx context.Context, s Signer, impl, admin common.Address, opts TxOptions) (Deployment, error)
	RegisterFacets(ctx context.Context, s Signer, resolver common.Address, facets []FacetRef, opts TxOptions) (TxResult, error)
	CreateConfiguration(ctx context.Context, s Signer, resolver common.Address, configID common.Hash, facets []FacetRef, opts TxOptions) (Configuration, error)

	ConfigInfo(ctx context.Context, proxy common.Address) (ConfigInfo, error)
	UpdateConfigVersion(ctx context.Context, s Signer, proxy common.Address, configID common.Hash, version uint64, opts TxOptions) (TxResult, error)

	Implementation(ctx context.Context, proxy common.Address) (common.Address, error)
	UpgradeProxy(ctx context.Context, s Signer, admin, proxy, impl common.Address, opts TxOptions) (TxResult, error)
}

// Signer signs transactions for one account.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// KeySigner signs with an in-memory private key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner parses a hex private key, with or without 0x prefix.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (k *KeySigner) Address() common.Address {
	return k.address
}

func (k *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewLondonSigner(chainID), k.key)
}

// ErrCannotSign is returned by AddressSigner.
var ErrCannotSign = errors.New("deploy: signer has no key")

// AddressSigner stands in for an account without a key. It works with the
// Simulated backend only.
type AddressSigner common.Address

func (a AddressSigner) Address() common.Address {
	return common.Address(a)
}

func (a AddressSigner) SignTx(*types.Transaction, *big.Int) (*types.Transaction, error) {
	return nil, ErrCannotSign
}

// ParseAddress parses a 0x-prefixed hex address.
func ParseAddress(v string) (common.Address, error) {
	if !strings.HasPrefix(v, "0x") || !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid address: %q", v)
	}
	return common.HexToAddress(v), nil
}
