package model

import "time"

// Tier determines a project's funding policy.
type Tier string

const (
	TierSponsored  Tier = "sponsored"
	TierPayAsYouGo Tier = "pay-as-you-go"
)

func (t Tier) Valid() bool {
	return t == TierSponsored || t == TierPayAsYouGo
}

// Project is the accounting root for one registered caller. Balances are
// denominated in native-equivalent minor units and are never negative.
type Project struct {
	ID           string
	Name         string
	Email        string
	Website      string
	Tier         Tier
	Active       bool
	Balances     map[Asset]int64
	TotalTxCount int64
	LastDeposit  *EventSnapshot
	LastPayment  *EventSnapshot
	LastTx       *EventSnapshot
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// EventSnapshot records the most recent deposit/payment/sponsored-tx for
// observability. It participates in no invariant.
type EventSnapshot struct {
	Reference string    `json:"reference"`
	Asset     Asset     `json:"asset"`
	Amount    int64     `json:"amount"`
	At        time.Time `json:"at"`
}

func (p *Project) BalanceOf(asset Asset) int64 {
	if p.Balances == nil {
		return 0
	}
	return p.Balances[asset]
}
