package deploy

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Op names a primitive for fault injection and call counting.
type Op string

const (
	OpDeployContract      Op = "deployContract"
	OpDeployProxy         Op = "deployProxy"
	OpRegisterFacets      Op = "registerFacets"
	OpCreateConfiguration Op = "createConfiguration"
	OpUpdateConfigVersion Op = "updateConfigVersion"
	OpUpgradeProxy        Op = "upgradeProxy"
)

// Gas charged by the simulated backend per primitive.
const (
	SimDeployGas   uint64 = 1_200_000
	SimProxyGas    uint64 = 650_000
	SimRegisterGas uint64 = 90_000
	SimConfigGas   uint64 = 240_000
	SimUpdateGas   uint64 = 45_000
	SimUpgradeGas  uint64 = 38_000
)

// Fault makes matching calls fail. Target is matched against the contract
// name for OpDeployContract and the proxy address for proxy operations; an
// empty Target matches every call. Times limits how many calls fail; zero
// means every matching call.
type Fault struct {
	Op     Op
	Target string
	Err    error
	Times  int
}

type configState struct {
	version uint64
	facets  []FacetRef
}

// Simulated is an in-memory Backend. Addresses follow CREATE semantics for
// the signer's nonce, so identical call sequences produce identical results.
// It is safe for concurrent use.
type Simulated struct {
	mu             sync.Mutex
	nonces         map[common.Address]uint64
	faults         []*Fault
	calls          map[Op]int
	registered     map[common.Address]map[common.Hash]common.Address
	configs        map[common.Address]map[common.Hash]*configState
	proxyConfigs   map[common.Address]ConfigInfo
	implementation map[common.Address]common.Address
}

var _ Backend = (*Simulated)(nil)

// NewSimulated returns an empty simulated chain.
func NewSimulated() *Simulated {
	return &Simulated{
		nonces:         make(map[common.Address]uint64),
		calls:          make(map[Op]int),
		registered:     make(map[common.Address]map[common.Hash]common.Address),
		configs:        make(map[common.Address]map[common.Hash]*configState),
		proxyConfigs:   make(map[common.Address]ConfigInfo),
		implementation: make(map[common.Address]common.Address),
	}
}

// Inject adds a fault.
func (s *Simulated) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &f)
}

// ClearFaults removes all faults.
func (s *Simulated) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// Calls returns how many times op was invoked, failed calls included.
func (s *Simulated) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// SetConfigInfo seeds a resolver proxy. Proxies that were never seeded do
// not exist on the simulated chain.
func (s *Simulated) SetConfigInfo(proxy common.Address, info ConfigInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxyConfigs[proxy] = info
}

// SetImplementation seeds the implementation behind a proxy.
func (s *Simulated) SetImplementation(proxy, impl common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.implementation[proxy] = impl
}

// Registered returns the facet registered under key in resolver.
func (s *Simulated) Registered(resolver common.Address, key common.Hash) (common.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.registered[resolver][key]
	return addr, ok
}

// begin counts the call, checks faults and consumes a nonce. Callers hold mu.
func (s *Simulated) begin(op Op, target string, from common.Address) (uint64, error) {
	s.calls[op]++
	for _, f := range s.faults {
		if f.Op != op || (f.Target != "" && f.Target != target) {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				f.Times = -1
			}
		} else if f.Times < 0 {
			continue
		}
		return 0, fmt.Errorf("%s %s: %w", op, target, f.Err)
	}
	nonce := s.nonces[from]
	s.nonces[from] = nonce + 1
	return nonce, nil
}

func simTxHash(from common.Address, nonce uint64, op Op) common.Hash {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256Hash(from.Bytes(), n[:], []byte(op))
}

func (s *Simulated) DeployContract(ctx context.Context, signer Signer, name string, _ TxOptions) (Deployment, error) {
	if err := ctx.Err(); err != nil {
		return Deployment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from := signer.Address()
	nonce, err := s.begin(OpDeployContract, name, from)
	if err != nil {
		return Deployment{}, err
	}
	return Deployment{
		Address:  crypto.CreateAddress(from, nonce),
		TxResult: TxResult{TxHash: simTxHash(from, nonce, OpDeployContract), GasUsed: SimDeployGas},
	}, nil
}

func (s *Simulated) DeployProxy(ctx context.Context, signer Signer, impl, admin common.Address, _ TxOptions) (Deployment, error) {
	if err := ctx.Err(); err != nil {
		return Deployment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from := signer.Address()
	nonce, err := s.begin(OpDeployProxy, impl.Hex(), from)
	if err != nil {
		return Deployment{}, err
	}
	proxy := crypto.CreateAddress(from, nonce)
	s.implementation[proxy] = impl
	return Deployment{
		Address:  proxy,
		TxResult: TxResult{TxHash: simTxHash(from, nonce, OpDeployProxy), GasUsed: SimProxyGas},
	}, nil
}

func (s *Simulated) RegisterFacets(ctx context.Context, signer Signer, resolver common.Address, facets []FacetRef, _ TxOptions) (TxResult, error) {
	if err := ctx.Err(); err != nil {
		return TxResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from := signer.Address()
	nonce, err := s.begin(OpRegisterFacets, resolver.Hex(), from)
	if err != nil {
		return TxResult{}, err
	}
	reg := s.registered[resolver]
	if reg == nil {
		reg = make(map[common.Hash]common.Address)
		s.registered[resolver] = reg
	}
	for _, f := range facets {
		reg[f.Key] = f.Address
	}
	return TxResult{
		TxHash:  simTxHash(from, nonce, OpRegisterFacets),
		GasUsed: SimRegisterGas * uint64(len(facets)),
	}, nil
}

func (s *Simulated) CreateConfiguration(ctx context.Context, signer Signer, resolver common.Address, configID common.Hash, facets []FacetRef, _ TxOptions) (Configuration, error) {
	if err := ctx.Err(); err != nil {
		return Configuration{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from := signer.Address()
	nonce, err := s.begin(OpCreateConfiguration, configID.Hex(), from)
	if err != nil {
		return Configuration{}, err
	}
	reg := s.registered[resolver]
	for _, f := range facets {
		if _, ok := reg[f.Key]; !ok {
			return Configuration{}, fmt.Errorf("%s: facet key %s not registered in %s", OpCreateConfiguration, f.Key.Hex(), resolver.Hex())
		}
	}

	byID := s.configs[resolver]
	if byID == nil {
		byID = make(map[common.Hash]*configState)
		s.configs[resolver] = byID
	}
	st := byID[configID]
	if st == nil {
		st = &configState{}
		byID[configID] = st
	}
	st.version++
	st.facets = append([]FacetRef(nil), facets...)

	return Configuration{
		Version:  st.version,
		TxResult: TxResult{TxHash: simTxHash(from, nonce, OpCreateConfiguration), GasUsed: SimConfigGas},
	}, nil
}

func (s *Simulated) ConfigInfo(ctx context.Context, proxy common.Address) (ConfigInfo, error) {
	if err := ctx.Err(); err != nil {
		return ConfigInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.proxyConfigs[proxy]
	if !ok {
		return ConfigInfo{}, fmt.Errorf("getConfigInfo: no contract at %s", proxy.Hex())
	}
	return info, nil
}

func (s *Simulated) UpdateConfigVersion(ctx context.Context, signer Signer, proxy common.Address, configID common.Hash, version uint64, _ TxOptions) (TxResult, error) {
	if err := ctx.Err(); err != nil {
		return TxResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from := signer.Address()
	nonce, err := s.begin(OpUpdateConfigVersion, proxy.Hex(), from)
	if err != nil {
		return TxResult{}, err
	}
	info, ok := s.proxyConfigs[proxy]
	if !ok {
		return TxResult{}, fmt.Errorf("%s: no contract at %s", OpUpdateConfigVersion, proxy.Hex())
	}
	if info.ConfigID != configID {
		return TxResult{}, fmt.Errorf("%s: %s is pinned to configuration %s", OpUpdateConfigVersion, proxy.Hex(), info.ConfigID.Hex())
	}
	info.Version = version
	s.proxyConfigs[proxy] = info
	return TxResult{TxHash: simTxHash(from, nonce, OpUpdateConfigVersion), GasUsed: SimUpdateGas}, nil
}

func (s *Simulated) Implementation(ctx context.Context, proxy common.Address) (common.Address, error) {
	if err := ctx.Err(); err != nil {
		return common.Address{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.implementation[proxy], nil
}

func (s *Simulated) UpgradeProxy(ctx context.Context, signer Signer, _, proxy, impl common.Address, _ TxOptions) (TxResult, error) {
	if err := ctx.Err(); err != nil {
		return TxResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from := signer.Address()
	nonce, err := s.begin(OpUpgradeProxy, proxy.Hex(), from)
	if err != nil {
		return TxResult{}, err
	}
	s.implementation[proxy] = impl
	return TxResult{TxHash: simTxHash(from, nonce, OpUpgradeProxy), GasUsed: SimUpgradeGas}, nil
}
