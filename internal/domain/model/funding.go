package model

// FundingPolicy decides which asset balance pays for one sponsored
// transaction. Policies form a small closed set keyed by tier.
type FundingPolicy interface {
	// Sources returns the ordered list of assets this policy may draw from.
	Sources() []Asset
	// SelectSource picks the first source whose balance covers unitCost.
	SelectSource(balances map[Asset]int64, unitCost int64) (Asset, bool)
}

type orderedPolicy struct {
	sources []Asset
}

func (p orderedPolicy) Sources() []Asset {
	return p.sources
}

func (p orderedPolicy) SelectSource(balances map[Asset]int64, unitCost int64) (Asset, bool) {
	for _, asset := range p.sources {
		if balances[asset] >= unitCost {
			return asset, true
		}
	}
	return "", false
}

var (
	sponsoredPolicy  = orderedPolicy{sources: []Asset{AssetSOL}}
	payAsYouGoPolicy = orderedPolicy{sources: []Asset{AssetSOL, AssetUSDC}}
)

// PolicyForTier returns the funding policy for a tier. Unknown tiers fall
// back to the sponsored policy, which only ever draws from the native coin.
func PolicyForTier(tier Tier) FundingPolicy {
	if tier == TierPayAsYouGo {
		return payAsYouGoPolicy
	}
	return sponsoredPolicy
}
