package model

import (
	"math"
	"math/big"
)

// Asset is the symbol of a funding asset tracked by the ledger.
type Asset string

const (
	AssetSOL  Asset = "SOL"
	AssetUSDC Asset = "USDC"
)

func (a Asset) String() string {
	return string(a)
}

type AssetKind string

const (
	AssetKindNative AssetKind = "NATIVE"
	AssetKindStable AssetKind = "STABLE"
)

// AssetInfo describes one watched funding asset: where its deposits appear
// on-chain and how its minor units convert into ledger credit units.
type AssetInfo struct {
	Symbol   Asset     `yaml:"symbol"`
	Kind     AssetKind `yaml:"kind"`
	Mint     string    `yaml:"mint"` // empty for the native coin
	Decimals int       `yaml:"decimals"`
	// ConversionRate maps on-chain minor units to native-equivalent credit
	// units, floored. The native coin is credited 1:1 and ignores this field.
	ConversionRate float64 `yaml:"conversion_rate"`
}

// rateScale fixes conversion rates at 9 decimal places. Snapping the rate to
// a decimal rational before multiplying keeps exact products exact: naive
// float64 multiplication turns e.g. 20 * 1.15 into 22.999…, shaving a unit
// off the credit, and loses integer precision entirely above 2^53.
const rateScale = 1_000_000_000

// CreditUnits converts a positive on-chain delta in the asset's minor units
// into ledger credit units. Native deposits credit 1:1; stable deposits
// credit floor(minorUnits * rate), computed in integer arithmetic with the
// rate as an exact rational over rateScale.
func (a AssetInfo) CreditUnits(minorUnits int64) int64 {
	if a.Kind == AssetKindNative {
		return minorUnits
	}
	num := big.NewInt(int64(math.Round(a.ConversionRate * rateScale)))
	num.Mul(num, big.NewInt(minorUnits))
	return num.Div(num, big.NewInt(rateScale)).Int64()
}
