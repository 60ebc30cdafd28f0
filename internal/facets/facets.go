// Package facets lists the facets that make up the diamond and how they are
// grouped into per-token-type configurations.
package facets

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// TimeTravelSuffix marks a facet variant that reads time from
	// TimeTravelFacet instead of block.timestamp. Used on test networks.
	TimeTravelSuffix = "TimeTravel"

	// TimeTravelFacet controls the simulated clock of TimeTravel variants.
	TimeTravelFacet = "TimeTravelFacet"
)

var base = []string{
	"AccessControlFacet",
	"CapFacet",
	"ControlListFacet",
	"CorporateActionsFacet",
	"DiamondFacet",
	"ERC1410ManagementFacet",
	"ERC1410ReadFacet",
	"ERC1410TokenHolderFacet",
	"ERC1594Facet",
	"ERC1643Facet",
	"ERC1644Facet",
	"ERC20Facet",
	"FreezeFacet",
	"KycFacet",
	"LockFacet",
	"PauseFacet",
	"ProtectedPartitionsFacet",
	"ScheduledSnapshotsFacet",
	"SnapshotsFacet",
	"SsiManagementFacet",
}

var equityOnly = []string{
	"EquityUSAFacet",
	"ScheduledBalanceAdjustmentsFacet",
	"AdjustBalancesFacet",
}

var bondOnly = []string{
	"BondUSAFacet",
	"BondUSAReadFacet",
	"ScheduledCouponListingFacet",
}

// Kind is a token type with its own configuration in the resolver.
type Kind string

const (
	Equity Kind = "equity"
	Bond   Kind = "bond"
)

// ConfigID returns the resolver configuration id for k.
func (k Kind) ConfigID() common.Hash {
	switch k {
	case Equity:
		return common.BigToHash(common.Big1)
	case Bond:
		return common.BigToHash(common.Big2)
	}
	return common.Hash{}
}

// Selection chooses which configurations a workflow creates.
type Selection string

const (
	SelectEquity Selection = "equity"
	SelectBond   Selection = "bond"
	SelectBoth   Selection = "both"
)

// ParseSelection parses equity, bond or both. The empty string selects both.
func ParseSelection(s string) (Selection, error) {
	switch Selection(strings.ToLower(strings.TrimSpace(s))) {
	case "", SelectBoth:
		return SelectBoth, nil
	case SelectEquity:
		return SelectEquity, nil
	case SelectBond:
		return SelectBond, nil
	}
	return "", fmt.Errorf("invalid configurations %q: want equity, bond or both", s)
}

// Includes reports whether k is selected.
func (s Selection) Includes(k Kind) bool {
	switch s {
	case SelectBoth:
		return k == Equity || k == Bond
	case SelectEquity:
		return k == Equity
	case SelectBond:
		return k == Bond
	}
	return false
}

// Kinds returns the selected kinds, equity first.
func (s Selection) Kinds() []Kind {
	var out []Kind
	for _, k := range []Kind{Equity, Bond} {
		if s.Includes(k) {
			out = append(out, k)
		}
	}
	return out
}

// ForKind returns the facet names registered in the configuration of k.
func ForKind(k Kind, timeTravel bool) []string {
	names := append([]string(nil), base...)
	switch k {
	case Equity:
		names = append(names, equityOnly...)
	case Bond:
		names = append(names, bondOnly...)
	}
	return variant(names, timeTravel)
}

// ForSelection returns every facet that has to be deployed for sel, sorted.
func ForSelection(sel Selection, timeTravel bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, k := range sel.Kinds() {
		for _, name := range ForKind(k, timeTravel) {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

func variant(names []string, timeTravel bool) []string {
	if !timeTravel {
		return names
	}
	out := make([]string, 0, len(names)+1)
	for _, n := range names {
		out = append(out, n+TimeTravelSuffix)
	}
	return append(out, TimeTravelFacet)
}

// BaseName strips the TimeTravel suffix.
func BaseName(name string) string {
	return strings.TrimSuffix(name, TimeTravelSuffix)
}

// IsTimeTravel reports whether name is a TimeTravel variant.
func IsTimeTravel(name string) bool {
	return strings.HasSuffix(name, TimeTravelSuffix)
}

// ResolverKey is the key a facet is registered under in the resolver. A
// TimeTravel variant shares the key of its base facet.
func ResolverKey(name string) common.Hash {
	return crypto.Keccak256Hash([]byte(BaseName(name)))
}
