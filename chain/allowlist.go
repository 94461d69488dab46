// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

// AssetRank holds the settlement priority and minimum amount for an asset
// allowed as a queue incentive. Lower priority numbers settle first. The
// threshold is in the asset's base unit.
type AssetRank struct {
	Priority  int
	Threshold int64
}

// Allowlist maps incentive asset identity (policy id, asset name) to its
// rank. An asset absent from the list is not a valid incentive; queue datum
// validation rejects it upstream of sorting.
type Allowlist map[string]map[string]AssetRank

// StandardAllowlist returns the incentive assets the protocol accepts. These
// mirror the on-chain validator constants, so they are compiled in rather
// than configured.
func StandardAllowlist() Allowlist {
	return Allowlist{
		// NEWM
		"682fe60c9918842b3323c43b5144bc3d52a23bd2fb81345560d73f63": {
			"4e45574d": {Priority: 0, Threshold: 10_000_000},
		},
		// ADA
		"": {
			"": {Priority: 1, Threshold: 10_000_000},
		},
	}
}

// Rank looks up the rank of an asset, false if the asset is not allowed.
func (a Allowlist) Rank(policyID, assetName string) (AssetRank, bool) {
	assets, ok := a[policyID]
	if !ok {
		return AssetRank{}, false
	}
	rank, ok := assets[assetName]
	return rank, ok
}

// Allowed reports whether the asset may be used as an incentive.
func (a Allowlist) Allowed(policyID, assetName string) bool {
	_, ok := a.Rank(policyID, assetName)
	return ok
}
