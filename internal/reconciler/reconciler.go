package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iwantamacmini2/macgas/internal/alert"
	"github.com/iwantamacmini2/macgas/internal/chain/solana"
	"github.com/iwantamacmini2/macgas/internal/domain/model"
	"github.com/iwantamacmini2/macgas/internal/metrics"
	"github.com/iwantamacmini2/macgas/internal/retry"
	"github.com/iwantamacmini2/macgas/internal/store"
)

// Skip reasons recorded on the deposits_skipped metric.
const (
	skipFailed         = "failed"
	skipNoMemo         = "no_memo"
	skipUnknownProject = "unknown_project"
	skipNonPositive    = "non_positive_delta"
	skipAlreadyApplied = "already_applied"
)

// CycleResult summarizes one poll cycle for an asset.
type CycleResult struct {
	Asset     model.Asset
	Processed int
	Credited  int
	Skipped   int
}

// Reconciler polls the sponsor wallet's on-chain activity and converts
// memo-tagged deposits into ledger credits. It is the only component that
// advances the per-asset deposit cursor.
type Reconciler struct {
	adapter  solana.ChainAdapter
	ledger   store.LedgerStore
	cursors  store.CursorRepository
	alerter  alert.Alerter
	logger   *slog.Logger
	assets   map[model.Asset]model.AssetInfo
	sponsor  string
	interval time.Duration
	pageSize int
	tracer   trace.Tracer

	// Consecutive cycle failures per asset, alerting past the threshold.
	failureThreshold    int
	consecutiveFailures map[model.Asset]int
}

type Config struct {
	SponsorAddress        string
	Interval              time.Duration
	ActivityPageLimit     int
	FailureAlertThreshold int
}

func New(
	cfg Config,
	adapter solana.ChainAdapter,
	ledger store.LedgerStore,
	cursors store.CursorRepository,
	assets map[model.Asset]model.AssetInfo,
	alerter alert.Alerter,
	logger *slog.Logger,
) *Reconciler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	pageSize := cfg.ActivityPageLimit
	if pageSize <= 0 {
		pageSize = 100
	}
	threshold := cfg.FailureAlertThreshold
	if threshold <= 0 {
		threshold = 5
	}
	return &Reconciler{
		adapter:             adapter,
		ledger:              ledger,
		cursors:             cursors,
		alerter:             alerter,
		logger:              logger.With("component", "reconciler"),
		assets:              assets,
		sponsor:             cfg.SponsorAddress,
		interval:            interval,
		pageSize:            pageSize,
		tracer:              otel.Tracer("macgas/reconciler"),
		failureThreshold:    threshold,
		consecutiveFailures: make(map[model.Asset]int),
	}
}

// Run polls every watched asset at the configured interval until the context
// is cancelled. Cycle failures are logged and retried on the next tick,
// never fatal to the process.
func (r *Reconciler) Run(ctx context.Context, asset model.Asset) error {
	if _, ok := r.assets[asset]; !ok {
		return fmt.Errorf("asset %q not in catalog", asset)
	}

	if err := r.cursors.EnsureExists(ctx, asset); err != nil {
		return fmt.Errorf("ensure cursor for %s: %w", asset, err)
	}

	r.logger.Info("deposit watcher started",
		"asset", asset,
		"interval", r.interval,
		"sponsor", r.sponsor,
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("deposit watcher stopping", "asset", asset)
			return ctx.Err()
		case <-ticker.C:
			result, err := r.Cycle(ctx, asset)
			r.recordOutcome(ctx, asset, result, err)
		}
	}
}

// Cycle runs one poll for asset: fetch activity newer than the cursor,
// credit qualifying deposits, then advance the cursor past everything seen.
// A fetch failure aborts the cycle without advancing the cursor, so nothing
// is lost; the idempotency guard makes replays harmless.
func (r *Reconciler) Cycle(ctx context.Context, asset model.Asset) (*CycleResult, error) {
	ctx, span := r.tracer.Start(ctx, "reconciler.cycle",
		trace.WithAttributes(attribute.String("asset", string(asset))))
	defer span.End()

	metrics.ReconcileCyclesTotal.WithLabelValues(string(asset)).Inc()

	cursor, err := r.cursors.Get(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	untilRef := ""
	if cursor != nil {
		untilRef = cursor.LastSeenReference
	}

	entries, err := r.adapter.RecentActivity(ctx, r.sponsor, untilRef, r.pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch activity: %w", err)
	}
	if len(entries) == 0 {
		return &CycleResult{Asset: asset}, nil
	}

	result := &CycleResult{Asset: asset, Processed: len(entries)}
	for _, entry := range entries {
		credited, err := r.creditEntry(ctx, asset, entry)
		if err != nil {
			// Abort without advancing the cursor: the next cycle replays
			// this entry, and the applied-reference guard keeps anything
			// already credited from crediting twice.
			return result, fmt.Errorf("credit deposit %s: %w", entry.Signature, err)
		}
		if credited {
			result.Credited++
		} else {
			result.Skipped++
		}
	}

	// Advance past everything seen, credited or skipped. Entries are
	// oldest-first, so the last one is the newest.
	newest := entries[len(entries)-1].Signature
	if err := r.cursors.Advance(ctx, asset, newest, int64(len(entries))); err != nil {
		return result, fmt.Errorf("advance cursor: %w", err)
	}

	metrics.ReconcileCursorLag.WithLabelValues(string(asset)).Set(float64(len(entries)))
	r.logger.Info("deposit cycle completed",
		"asset", asset,
		"processed", result.Processed,
		"credited", result.Credited,
		"skipped", result.Skipped,
		"cursor", newest,
	)
	return result, nil
}

// creditEntry applies one activity entry, reporting whether it credited.
// Entries that can never qualify are skipped; a store failure is returned
// instead, because skipping past it would let the cursor bury a real deposit.
func (r *Reconciler) creditEntry(ctx context.Context, asset model.Asset, entry solana.ActivityEntry) (bool, error) {
	skip := func(reason string) (bool, error) {
		metrics.DepositsSkippedTotal.WithLabelValues(string(asset), reason).Inc()
		r.logger.Debug("deposit entry skipped",
			"asset", asset,
			"signature", entry.Signature,
			"reason", reason,
		)
		return false, nil
	}

	if entry.Failed {
		return skip(skipFailed)
	}
	if entry.Memo == "" {
		return skip(skipNoMemo)
	}
	delta := entry.Deltas[asset]
	if delta <= 0 {
		return skip(skipNonPositive)
	}

	projectID := entry.Memo
	if _, err := r.ledger.Get(ctx, projectID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return skip(skipUnknownProject)
		}
		return false, fmt.Errorf("project lookup %s: %w", projectID, err)
	}

	// The reference mark and the credit commit together: a failure here
	// leaves the signature unapplied for the next cycle's replay.
	credit := r.assets[asset].CreditUnits(delta)
	credited, err := r.ledger.CreditOnce(ctx, projectID, asset, credit, store.CreditSourceDeposit, store.RefKindDeposit, entry.Signature)
	if err != nil {
		return false, err
	}
	if !credited {
		return skip(skipAlreadyApplied)
	}

	metrics.DepositsCreditedTotal.WithLabelValues(string(asset)).Inc()
	r.logger.Info("deposit credited",
		"asset", asset,
		"project_id", projectID,
		"signature", entry.Signature,
		"deposited", delta,
		"credited_units", credit,
	)
	return true, nil
}

// recordOutcome tracks consecutive failures per asset and alerts when the
// watcher looks stalled, with a recovery notice once it clears.
func (r *Reconciler) recordOutcome(ctx context.Context, asset model.Asset, result *CycleResult, err error) {
	if err == nil {
		if r.consecutiveFailures[asset] >= r.failureThreshold && r.alerter != nil {
			_ = r.alerter.Send(ctx, alert.Alert{
				Type:    alert.AlertTypeRecovery,
				Asset:   string(asset),
				Title:   "Deposit watcher recovered",
				Message: fmt.Sprintf("Polling for %s resumed after %d failed cycles", asset, r.consecutiveFailures[asset]),
			})
		}
		r.consecutiveFailures[asset] = 0
		return
	}

	decision := retry.Classify(err)
	metrics.ReconcileCycleErrorsTotal.WithLabelValues(string(asset)).Inc()
	r.consecutiveFailures[asset]++

	r.logger.Warn("deposit cycle failed",
		"asset", asset,
		"failures", r.consecutiveFailures[asset],
		"class", decision.Class,
		"reason", decision.Reason,
		"error", err,
	)

	if r.consecutiveFailures[asset] == r.failureThreshold && r.alerter != nil {
		_ = r.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeReconcileStalled,
			Asset:   string(asset),
			Title:   "Deposit watcher stalled",
			Message: fmt.Sprintf("Polling for %s has failed %d consecutive cycles", asset, r.failureThreshold),
			Fields: map[string]string{
				"last_error": err.Error(),
				"class":      string(decision.Class),
			},
		})
	}
}
