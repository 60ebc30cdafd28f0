// Package evm implements deploy.Backend against an Ethereum JSON-RPC node
// using EIP-1559 transactions.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lmittmann/w3"
	"github.com/lmittmann/w3/module/eth"

	"github.com/roach88/diamondctl/internal/deploy"
)

// Gas limits per transaction kind.
const (
	DeployGasLimit uint64 = 8_000_000
	ProxyGasLimit  uint64 = 1_000_000
	CallGasLimit   uint64 = 3_000_000
)

// implementationSlot is the EIP-1967 implementation storage slot,
// keccak256("eip1967.proxy.implementation") - 1.
var implementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")

var (
	funcRegisterBusinessLogics = w3.MustNewFunc(
		"registerBusinessLogics((bytes32 businessLogicKey, address businessLogicAddress)[])", "",
	)
	funcCreateConfiguration = w3.MustNewFunc(
		"createConfiguration(bytes32,(bytes32 id, uint256 version)[])", "",
	)
	funcLatestVersion = w3.MustNewFunc(
		"getLatestVersionByConfiguration(bytes32)", "uint256",
	)
	funcGetConfigInfo = w3.MustNewFunc(
		"getConfigInfo()", "address resolver, bytes32 configurationId, uint256 version",
	)
	funcUpdateConfigVersion = w3.MustNewFunc(
		"updateConfigVersion(uint256)", "",
	)
	funcUpgradeAndCall = w3.MustNewFunc(
		"upgradeAndCall(address,address,bytes)", "",
	)
)

type businessLogic struct {
	BusinessLogicKey     common.Hash
	BusinessLogicAddress common.Address
}

type facetConfiguration struct {
	Id      common.Hash
	Version *big.Int
}

// Config configures a Backend.
type Config struct {
	RPCURL       string
	ChainID      int64
	ArtifactsDir string

	// GasFeeCap and GasTipCap are used when set; otherwise the fee cap is
	// twice the node's gas price and the tip is 1 gwei.
	GasFeeCap *big.Int
	GasTipCap *big.Int

	PollInterval time.Duration
}

// Backend sends transactions through a w3 client.
type Backend struct {
	client       *w3.Client
	chainID      *big.Int
	artifacts    *Artifacts
	gasFeeCap    *big.Int
	gasTipCap    *big.Int
	pollInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	nonces map[common.Address]uint64
}

var _ deploy.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// Dial connects to cfg.RPCURL.
func Dial(cfg Config, opts ...Option) (*Backend, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("evm: RPC_URL is required")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("evm: CHAIN_ID must be positive")
	}
	client, err := w3.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	b := &Backend{
		client:       client,
		chainID:      big.NewInt(cfg.ChainID),
		artifacts:    NewArtifacts(cfg.ArtifactsDir),
		gasFeeCap:    cfg.GasFeeCap,
		gasTipCap:    cfg.GasTipCap,
		pollInterval: cfg.PollInterval,
		logger:       slog.Default(),
		nonces:       make(map[common.Address]uint64),
	}
	if b.pollInterval <= 0 {
		b.pollInterval = 2 * time.Second
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Close closes the RPC connection.
func (b *Backend) Close() error {
	return b.client.Close()
}

func (b *Backend) DeployContract(ctx context.Context, s deploy.Signer, name string, opts deploy.TxOptions) (deploy.Deployment, error) {
	code, err := b.artifacts.Bytecode(name)
	if err != nil {
		return deploy.Deployment{}, err
	}
	receipt, err := b.transact(ctx, s, nil, code, DeployGasLimit, opts)
	if err != nil {
		return deploy.Deployment{}, fmt.Errorf("deploy %s: %w", name, err)
	}
	return deploy.Deployment{Address: receipt.ContractAddress, TxResult: result(receipt)}, nil
}

func (b *Backend) DeployProxy(ctx context.Context, s deploy.Signer, impl, admin common.Address, opts deploy.TxOptions) (deploy.Deployment, error) {
	code, err := b.artifacts.Bytecode(deploy.ProxyContract)
	if err != nil {
		return deploy.Deployment{}, err
	}
	initCode, err := proxyInitCode(code, impl, admin)
	if err != nil {
		return deploy.Deployment{}, err
	}
	receipt, err := b.transact(ctx, s, nil, initCode, ProxyGasLimit, opts)
	if err != nil {
		return deploy.Deployment{}, fmt.Errorf("deploy proxy for %s: %w", impl.Hex(), err)
	}
	return deploy.Deployment{Address: receipt.ContractAddress, TxResult: result(receipt)}, nil
}

func (b *Backend) RegisterFacets(ctx context.Context, s deploy.Signer, resolver common.Address, facets []deploy.FacetRef, opts deploy.TxOptions) (deploy.TxResult, error) {
	logics := make([]businessLogic, len(facets))
	for i, f := range facets {
		logics[i] = businessLogic{BusinessLogicKey: f.Key, BusinessLogicAddress: f.Address}
	}
	calldata, err := funcRegisterBusinessLogics.EncodeArgs(logics)
	if err != nil {
		return deploy.TxResult{}, fmt.Errorf("encode registerBusinessLogics: %w", err)
	}
	receipt, err := b.transact(ctx, s, &resolver, calldata, CallGasLimit, opts)
	if err != nil {
		return deploy.TxResult{}, fmt.Errorf("register facets: %w", err)
	}
	return result(receipt), nil
}

func (b *Backend) CreateConfiguration(ctx context.Context, s deploy.Signer, resolver common.Address, configID common.Hash, facets []deploy.FacetRef, opts deploy.TxOptions) (deploy.Configuration, error) {
	latest := new(big.Int)
	if err := b.client.CallCtx(ctx, eth.CallFunc(resolver, funcLatestVersion, configID).Returns(&latest)); err != nil {
		return deploy.Configuration{}, fmt.Errorf("read latest version: %w", err)
	}

	// Facets are pinned to the resolver's current version at creation time.
	entries := make([]facetConfiguration, len(facets))
	for i, f := range facets {
		entries[i] = facetConfiguration{Id: f.Key, Version: big.NewInt(0)}
	}
	calldata, err := funcCreateConfiguration.EncodeArgs(configID, entries)
	if err != nil {
		return deploy.Configuration{}, fmt.Errorf("encode createConfiguration: %w", err)
	}
	receipt, err := b.transact(ctx, s, &resolver, calldata, CallGasLimit, opts)
	if err != nil {
		return deploy.Configuration{}, fmt.Errorf("create configuration %s: %w", configID.Hex(), err)
	}
	return deploy.Configuration{Version: latest.Uint64() + 1, TxResult: result(receipt)}, nil
}

func (b *Backend) ConfigInfo(ctx context.Context, proxy common.Address) (deploy.ConfigInfo, error) {
	var (
		info    deploy.ConfigInfo
		version *big.Int
	)
	err := b.client.CallCtx(ctx, eth.CallFunc(proxy, funcGetConfigInfo).Returns(&info.Resolver, &info.ConfigID, &version))
	if err != nil {
		return deploy.ConfigInfo{}, fmt.Errorf("getConfigInfo on %s: %w", proxy.Hex(), err)
	}
	if version != nil {
		info.Version = version.Uint64()
	}
	return info, nil
}

func (b *Backend) UpdateConfigVersion(ctx context.Context, s deploy.Signer, proxy common.Address, _ common.Hash, version uint64, opts deploy.TxOptions) (deploy.TxResult, error) {
	calldata, err := funcUpdateConfigVersion.EncodeArgs(new(big.Int).SetUint64(version))
	if err != nil {
		return deploy.TxResult{}, fmt.Errorf("encode updateConfigVersion: %w", err)
	}
	receipt, err := b.transact(ctx, s, &proxy, calldata, CallGasLimit, opts)
	if err != nil {
		return deploy.TxResult{}, fmt.Errorf("update config version on %s: %w", proxy.Hex(), err)
	}
	return result(receipt), nil
}

func (b *Backend) Implementation(ctx context.Context, proxy common.Address) (common.Address, error) {
	var slot common.Hash
	if err := b.client.CallCtx(ctx, eth.StorageAt(proxy, implementationSlot, nil).Returns(&slot)); err != nil {
		return common.Address{}, fmt.Errorf("read implementation slot of %s: %w", proxy.Hex(), err)
	}
	return addressFromSlot(slot), nil
}

func (b *Backend) UpgradeProxy(ctx context.Context, s deploy.Signer, admin, proxy, impl common.Address, opts deploy.TxOptions) (deploy.TxResult, error) {
	calldata, err := funcUpgradeAndCall.EncodeArgs(proxy, impl, []byte{})
	if err != nil {
		return deploy.TxResult{}, fmt.Errorf("encode upgradeAndCall: %w", err)
	}
	receipt, err := b.transact(ctx, s, &admin, calldata, CallGasLimit, opts)
	if err != nil {
		return deploy.TxResult{}, fmt.Errorf("upgrade %s to %s: %w", proxy.Hex(), impl.Hex(), err)
	}
	return result(receipt), nil
}

// transact signs, sends and waits for one transaction. to == nil creates a
// contract.
func (b *Backend) transact(ctx context.Context, s deploy.Signer, to *common.Address, data []byte, gas uint64, opts deploy.TxOptions) (*types.Receipt, error) {
	feeCap, tipCap, err := b.fees(ctx)
	if err != nil {
		return nil, err
	}

	from := s.Address()
	b.mu.Lock()
	nonce, err := b.nextNonce(ctx, from)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	signed, err := s.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     nonce,
		To:        to,
		GasFeeCap: feeCap,
		GasTipCap: tipCap,
		Gas:       gas,
		Data:      data,
	}), b.chainID)
	if err == nil {
		var hash common.Hash
		err = b.client.CallCtx(ctx, eth.SendTx(signed).Returns(&hash))
	}
	if err != nil {
		// The nonce was not consumed; refetch on the next call.
		delete(b.nonces, from)
		b.mu.Unlock()
		return nil, fmt.Errorf("send tx: %w", err)
	}
	b.nonces[from] = nonce + 1
	b.mu.Unlock()

	b.logger.Debug("transaction sent",
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
	)
	return b.waitMined(ctx, signed.Hash(), opts.Confirmations)
}

// nextNonce returns the next nonce for from. Callers hold mu.
func (b *Backend) nextNonce(ctx context.Context, from common.Address) (uint64, error) {
	if n, ok := b.nonces[from]; ok {
		return n, nil
	}
	var nonce uint64
	if err := b.client.CallCtx(ctx, eth.Nonce(from, nil).Returns(&nonce)); err != nil {
		return 0, fmt.Errorf("get nonce: %w", err)
	}
	return nonce, nil
}

func (b *Backend) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	if b.gasFeeCap != nil && b.gasTipCap != nil {
		return b.gasFeeCap, b.gasTipCap, nil
	}
	var price *big.Int
	if err := b.client.CallCtx(ctx, eth.GasPrice().Returns(&price)); err != nil {
		return nil, nil, fmt.Errorf("get gas price: %w", err)
	}
	tip := b.gasTipCap
	if tip == nil {
		tip = big.NewInt(1_000_000_000)
	}
	feeCap := new(big.Int).Mul(price, big.NewInt(2))
	if feeCap.Cmp(tip) < 0 {
		feeCap.Set(tip)
	}
	return feeCap, tip, nil
}

// waitMined polls for the receipt, fails on a reverted transaction, then
// waits until the receipt's block has the requested confirmations.
func (b *Backend) waitMined(ctx context.Context, hash common.Hash, confirmations int) (*types.Receipt, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for {
		err := b.client.CallCtx(ctx, eth.TxReceipt(hash).Returns(&receipt))
		if err == nil && receipt != nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("transaction %s reverted", hash.Hex())
	}

	for confirmations > 1 {
		var head *big.Int
		if err := b.client.CallCtx(ctx, eth.BlockNumber().Returns(&head)); err != nil {
			return nil, fmt.Errorf("get block number: %w", err)
		}
		if confirmed(receipt.BlockNumber, head, confirmations) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return receipt, nil
}

// confirmed reports whether a transaction mined in block has n
// confirmations at head. The inclusion block counts as the first.
func confirmed(block, head *big.Int, n int) bool {
	if block == nil || head == nil {
		return false
	}
	depth := new(big.Int).Sub(head, block)
	return depth.Cmp(big.NewInt(int64(n-1))) >= 0
}

func result(r *types.Receipt) deploy.TxResult {
	return deploy.TxResult{TxHash: r.TxHash, GasUsed: r.GasUsed}
}

func addressFromSlot(slot common.Hash) common.Address {
	return common.BytesToAddress(slot[12:])
}

// proxyInitCode appends the TransparentUpgradeableProxy constructor
// arguments (logic, initialOwner, data) to the creation code.
func proxyInitCode(code []byte, impl, admin common.Address) ([]byte, error) {
	addressT, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, err
	}
	bytesT, err := abi.NewType("bytes", "", nil)
	if err != nil {
		return nil, err
	}
	args := abi.Arguments{{Type: addressT}, {Type: addressT}, {Type: bytesT}}
	packed, err := args.Pack(impl, admin, []byte{})
	if err != nil {
		return nil, fmt.Errorf("pack proxy constructor: %w", err)
	}
	out := make([]byte, 0, len(code)+len(packed))
	out = append(out, code...)
	return append(out, packed...), nil
}
