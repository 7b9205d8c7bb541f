package store

import (
	"context"

	"github.com/iwantamacmini2/macgas/internal/domain/model"
)

// CreditSource identifies which funding path produced a credit, so the
// matching observability snapshot (lastDeposit / lastPayment) is updated.
type CreditSource string

const (
	CreditSourceDeposit CreditSource = "deposit"
	CreditSourcePayment CreditSource = "payment"
)

// RefKind namespaces the applied event references that make CreditOnce
// idempotent: the same string can appear as both a deposit signature and a
// settlement reference without colliding.
type RefKind string

const (
	RefKindDeposit    RefKind = "deposit"
	RefKindSettlement RefKind = "settlement"
)

// LedgerStore is the single mutable shared resource in the system. All
// balance mutations go through Credit and Debit, which must be safe under
// arbitrary interleaving: mutations on one project are linearizable with
// respect to each other, and mutations on different projects never block
// each other.
type LedgerStore interface {
	Create(ctx context.Context, p *model.Project) error
	Get(ctx context.Context, id string) (*model.Project, error)
	SetActive(ctx context.Context, id string, active bool) error

	// Credit adds amount (native-equivalent minor units) to the project's
	// balance for asset and records the matching snapshot.
	Credit(ctx context.Context, id string, asset model.Asset, amount int64, source CreditSource, reference string) error

	// CreditOnce records (kind, reference) as applied and credits the project
	// in the same transaction, reporting false without touching the balance
	// when the reference was already applied. On error neither the mark nor
	// the credit persists, so a retry re-processes the event: a reference must
	// never be burned without its credit.
	CreditOnce(ctx context.Context, id string, asset model.Asset, amount int64, source CreditSource, kind RefKind, reference string) (bool, error)

	// Debit subtracts amount from the project's balance for asset,
	// increments TotalTxCount, and records lastTx — atomically. It returns
	// model.ErrInsufficientBalance and leaves state unchanged when the
	// post-debit balance would go negative; it never partially applies.
	Debit(ctx context.Context, id string, asset model.Asset, amount int64, reference string) error
}

// CursorRepository persists the per-asset deposit reconciliation watermark.
type CursorRepository interface {
	Get(ctx context.Context, asset model.Asset) (*model.DepositCursor, error)
	EnsureExists(ctx context.Context, asset model.Asset) error
	Advance(ctx context.Context, asset model.Asset, reference string, itemsProcessed int64) error
}

