package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// FacetMap maps facet names to their deployed contracts.
//
// On disk a FacetMap is an array of {name, contract} entries sorted by name,
// not a JSON object, so that the map structure survives any storage format
// unchanged. A nil map encodes as null and an empty map as [].
type FacetMap map[string]DeployedContract

type facetEntry struct {
	Name     string           `json:"name"`
	Contract DeployedContract `json:"contract"`
}

// Names returns the facet names in lexical order.
func (m FacetMap) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a facet with the given name is recorded.
func (m FacetMap) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// MarshalJSON encodes the map as a sorted entries array.
func (m FacetMap) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	entries := make([]facetEntry, 0, len(m))
	for _, name := range m.Names() {
		entries = append(entries, facetEntry{Name: name, Contract: m[name]})
	}
	return json.Marshal(entries)
}

// UnmarshalJSON decodes an entries array. Entries with empty or duplicate
// names are rejected.
func (m *FacetMap) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = nil
		return nil
	}

	var entries []facetEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode facets: %w", err)
	}

	out := make(FacetMap, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			return fmt.Errorf("decode facets: entry %d has no name", i)
		}
		if _, dup := out[e.Name]; dup {
			return fmt.Errorf("decode facets: duplicate facet %q", e.Name)
		}
		out[e.Name] = e.Contract
	}
	*m = out
	return nil
}
