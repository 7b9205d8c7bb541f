package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/iwantamacmini2/macgas/internal/domain/model"
	"github.com/iwantamacmini2/macgas/internal/metrics"
	"github.com/iwantamacmini2/macgas/internal/store"
)

// Verifier turns a facilitator settlement into a ledger credit, exactly once
// per settlement reference. Cryptographic and settlement correctness belong
// entirely to the facilitator.
type Verifier struct {
	facilitator Facilitator
	ledger      store.LedgerStore
	settlements SettlementStore
	assets      map[model.Asset]model.AssetInfo
	logger      *slog.Logger
}

func NewVerifier(
	facilitator Facilitator,
	ledger store.LedgerStore,
	settlements SettlementStore,
	assets map[model.Asset]model.AssetInfo,
	logger *slog.Logger,
) *Verifier {
	return &Verifier{
		facilitator: facilitator,
		ledger:      ledger,
		settlements: settlements,
		assets:      assets,
		logger:      logger.With("component", "payment"),
	}
}

// Verify settles the proof and credits projectID with the settled amount,
// converted to native-equivalent units. A reference that was already applied
// returns the settlement without crediting again: callers may legitimately
// retry after a network failure that followed a successful settlement.
func (v *Verifier) Verify(ctx context.Context, projectID string, proof *Proof, req Requirement) (*Settlement, error) {
	info, ok := v.assets[req.Asset]
	if !ok {
		return nil, &model.ValidationError{Field: "asset", Reason: fmt.Sprintf("unknown asset %q", req.Asset)}
	}

	settlement, err := v.facilitator.Settle(ctx, proof, req)
	if err != nil {
		var verificationErr *model.PaymentVerificationError
		if errors.As(err, &verificationErr) {
			metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
			v.logger.Info("payment proof rejected",
				"project_id", projectID,
				"reason", verificationErr.Reason,
			)
			return nil, err
		}
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("settle payment: %w", err)
	}

	metrics.SettlementsTotal.WithLabelValues("settled").Inc()

	// Fast-path duplicate guard. A store failure here is non-fatal: the
	// durable applied-references check below still holds the line.
	fastPathMarked := false
	newlyMarked, err := v.settlements.MarkSettled(ctx, settlement.Reference)
	if err != nil {
		v.logger.Warn("settlement store unavailable, relying on durable guard",
			"reference", settlement.Reference,
			"error", err,
		)
	} else if !newlyMarked {
		metrics.SettlementDuplicatesTotal.Inc()
		v.logger.Info("settlement reference already seen, skipping credit",
			"project_id", projectID,
			"reference", settlement.Reference,
		)
		return settlement, nil
	} else {
		fastPathMarked = true
	}

	// The reference mark and the credit commit atomically. The settlement
	// already moved money, so a failed credit must leave the reference
	// unburned for the caller's retry to find.
	credit := info.CreditUnits(settlement.Amount)
	credited, err := v.ledger.CreditOnce(ctx, projectID, req.Asset, credit, store.CreditSourcePayment, store.RefKindSettlement, settlement.Reference)
	if err != nil {
		if fastPathMarked {
			if unmarkErr := v.settlements.Unmark(ctx, settlement.Reference); unmarkErr != nil {
				v.logger.Warn("settlement fast-path unmark failed",
					"reference", settlement.Reference,
					"error", unmarkErr,
				)
			}
		}
		return nil, fmt.Errorf("credit settlement %s: %w", settlement.Reference, err)
	}
	if !credited {
		metrics.SettlementDuplicatesTotal.Inc()
		v.logger.Info("settlement reference already applied, skipping credit",
			"project_id", projectID,
			"reference", settlement.Reference,
		)
		return settlement, nil
	}

	v.logger.Info("payment settled and credited",
		"project_id", projectID,
		"asset", req.Asset,
		"settled_amount", settlement.Amount,
		"credited_units", credit,
		"reference", settlement.Reference,
		"payer", settlement.Payer,
	)
	return settlement, nil
}
