// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// PolicyLovelace is the reserved asset-class key for the base currency. The
// ledger itself has no policy for lovelace, so the key only appears in local
// Value bookkeeping and is translated away at the wire boundary.
const PolicyLovelace = "lovelace"

// Value is a multi-asset amount: policy id -> asset name -> quantity.
// Quantities are signed so that intermediate settlement arithmetic can dip
// negative; HasNegativeEntries gates any Value before it becomes a real
// transaction output.
type Value map[string]map[string]int64

// NewValue creates a Value holding only the given amount of lovelace.
func NewValue(lovelace int64) Value {
	if lovelace == 0 {
		return Value{}
	}
	return Value{PolicyLovelace: {"": lovelace}}
}

// FromAsset creates a Value holding a quantity of a single asset.
func FromAsset(policyID, assetName string, qty int64) Value {
	return Value{policyID: {assetName: qty}}
}

// Copy returns a deep copy of the Value.
func (v Value) Copy() Value {
	cp := make(Value, len(v))
	for pid, assets := range v {
		inner := make(map[string]int64, len(assets))
		for name, qty := range assets {
			inner[name] = qty
		}
		cp[pid] = inner
	}
	return cp
}

// Add returns a new Value that is the entrywise sum of v and other. Missing
// entries are treated as zero.
func (v Value) Add(other Value) Value {
	sum := v.Copy()
	for pid, assets := range other {
		if _, ok := sum[pid]; !ok {
			sum[pid] = make(map[string]int64, len(assets))
		}
		for name, qty := range assets {
			sum[pid][name] += qty
		}
	}
	sum.prune()
	return sum
}

// Sub returns a new Value that is the entrywise difference v - other. Missing
// entries are treated as zero, so subtracting an asset v does not hold leaves
// a negative entry.
func (v Value) Sub(other Value) Value {
	diff := v.Copy()
	for pid, assets := range other {
		if _, ok := diff[pid]; !ok {
			diff[pid] = make(map[string]int64, len(assets))
		}
		for name, qty := range assets {
			diff[pid][name] -= qty
		}
	}
	diff.prune()
	return diff
}

// Scale returns a new Value with every quantity multiplied by n.
func (v Value) Scale(n int64) Value {
	scaled := v.Copy()
	for _, assets := range scaled {
		for name := range assets {
			assets[name] *= n
		}
	}
	scaled.prune()
	return scaled
}

// prune removes zero entries and empty policies in place.
func (v Value) prune() {
	for pid, assets := range v {
		for name, qty := range assets {
			if qty == 0 {
				delete(assets, name)
			}
		}
		if len(assets) == 0 {
			delete(v, pid)
		}
	}
}

// Contains reports whether v holds at least the quantity of every asset in
// other. An asset absent from v fails the test.
func (v Value) Contains(other Value) bool {
	for pid, assets := range other {
		held, ok := v[pid]
		if !ok {
			return false
		}
		for name, qty := range assets {
			if held[name] < qty {
				return false
			}
		}
	}
	return true
}

// Exists reports whether any asset under the policy id is present.
func (v Value) Exists(policyID string) bool {
	assets, ok := v[policyID]
	return ok && len(assets) > 0
}

// Quantity returns the quantity of a single asset, zero if absent.
func (v Value) Quantity(policyID, assetName string) int64 {
	return v[policyID][assetName]
}

// Lovelace returns the base-currency quantity.
func (v Value) Lovelace() int64 {
	return v.Quantity(PolicyLovelace, "")
}

// HasNegativeEntries reports whether any quantity is below zero.
func (v Value) HasNegativeEntries() bool {
	for _, assets := range v {
		for _, qty := range assets {
			if qty < 0 {
				return true
			}
		}
	}
	return false
}

// Equal reports whether two Values hold exactly the same assets, ignoring
// zero entries.
func (v Value) Equal(other Value) bool {
	return v.Contains(other) && other.Contains(v)
}

// AssetName returns the name of the first asset held under the policy id,
// false if the policy is absent. Protocol identity policies mint a single
// asset, so "first" is unambiguous where this is used.
func (v Value) AssetName(policyID string) (string, bool) {
	assets, ok := v[policyID]
	if !ok {
		return "", false
	}
	names := make([]string, 0, len(assets))
	for name := range assets {
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	return names[0], true
}

// Dump serializes the Value to its canonical string map form for persistence.
func (v Value) Dump() ([]byte, error) {
	return json.Marshal(map[string]map[string]int64(v))
}

// LoadValue deserializes a Value from its canonical string map form.
func LoadValue(b []byte) (Value, error) {
	var m map[string]map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return Value(m), nil
}

// Output renders the Value as a transaction output literal for the node
// client, "address+lovelace" with a quoted token bundle appended when native
// assets are present.
func (v Value) Output(address string) string {
	tokens := v.TokenString()
	if tokens == "" {
		return fmt.Sprintf("%s+%d", address, v.Lovelace())
	}
	return fmt.Sprintf("%s+%d+%s", address, v.Lovelace(), tokens)
}

// TokenString renders the native assets as "qty pid.name + qty pid.name" in
// lexicographic asset order, empty when only lovelace is held.
func (v Value) TokenString() string {
	pids := make([]string, 0, len(v))
	for pid := range v {
		if pid == PolicyLovelace {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Strings(pids)
	var parts []string
	for _, pid := range pids {
		names := make([]string, 0, len(v[pid]))
		for name := range v[pid] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("%d %s.%s", v[pid][name], pid, name))
		}
	}
	return strings.Join(parts, " + ")
}
