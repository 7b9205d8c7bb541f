package payment

import (
	"encoding/json"

	"github.com/iwantamacmini2/macgas/internal/domain/model"
)

// Proof is the caller-supplied payment payload, decoded from the base64
// X-Payment header. Its inner payload is scheme-specific and opaque here;
// the facilitator owns its verification.
type Proof struct {
	Scheme  string          `json:"scheme"`
	Network string          `json:"network"`
	Payload json.RawMessage `json:"payload"`
}

// Requirement describes what a proof must settle: the asset, the sponsor's
// receiving address, and the maximum amount in that asset's minor units.
type Requirement struct {
	Scheme    string      `json:"scheme"`
	Network   string      `json:"network"`
	Asset     model.Asset `json:"asset"`
	PayTo     string      `json:"payTo"`
	MaxAmount int64       `json:"maxAmountRequired"`
}

// Settlement is the facilitator's successful verdict.
type Settlement struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
	Payer     string `json:"payer"`
}

// NewRequirement prices unitCount relay units in the given asset. Native
// assets price 1:1 against the lamport unit cost; stable assets divide by
// the conversion rate, rounding up so the settled amount always converts
// back to at least unitCount units of credit.
func NewRequirement(asset model.Asset, info model.AssetInfo, payTo string, unitCount, unitCostLamports int64) Requirement {
	total := unitCount * unitCostLamports
	amount := total
	if info.Kind == model.AssetKindStable {
		amount = stableAmountFor(total, info)
	}
	return Requirement{
		Scheme:    "exact",
		Network:   "solana",
		Asset:     asset,
		PayTo:     payTo,
		MaxAmount: amount,
	}
}

// stableAmountFor finds the smallest stable-asset amount whose credit-time
// conversion covers the native-equivalent total.
func stableAmountFor(total int64, info model.AssetInfo) int64 {
	amount := int64(float64(total) / info.ConversionRate)
	for info.CreditUnits(amount) < total {
		amount++
	}
	return amount
}
