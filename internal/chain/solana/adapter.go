package solana

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iwantamacmini2/macgas/internal/chain/ratelimit"
	"github.com/iwantamacmini2/macgas/internal/chain/solana/rpc"
	"github.com/iwantamacmini2/macgas/internal/domain/model"
)

const (
	maxPageSize      = 1000
	maxConcurrentTxs = 10
)

// ActivityEntry is one confirmed transaction touching the watched address,
// with the net balance change per known asset from that address's point of
// view (positive means funds received).
type ActivityEntry struct {
	Signature string
	Slot      int64
	BlockTime *time.Time
	Failed    bool
	Memo      string
	Deltas    map[model.Asset]int64
}

// ChainAdapter is the chain-facing surface the reconciler and gateway
// consume, kept narrow so tests can fake it.
type ChainAdapter interface {
	RecentActivity(ctx context.Context, address, untilRef string, limit int) ([]ActivityEntry, error)
	Submit(ctx context.Context, signedTxB64 string) (string, error)
}

type Adapter struct {
	client rpc.RPCClient
	assets map[model.Asset]model.AssetInfo
	logger *slog.Logger
}

var _ ChainAdapter = (*Adapter)(nil)

func NewAdapter(rpcURL string, limiter *ratelimit.Limiter, assets map[model.Asset]model.AssetInfo, logger *slog.Logger) *Adapter {
	return &Adapter{
		client: rpc.NewClient(rpcURL, limiter, logger),
		assets: assets,
		logger: logger.With("chain", "solana"),
	}
}

// NewAdapterWithClient injects the RPC client directly. Used by tests.
func NewAdapterWithClient(client rpc.RPCClient, assets map[model.Asset]model.AssetInfo, logger *slog.Logger) *Adapter {
	return &Adapter{client: client, assets: assets, logger: logger.With("chain", "solana")}
}

// RecentActivity collects transactions for address newer than untilRef
// (exclusive), oldest-first. The RPC returns signatures newest-first; the
// until parameter stops the walk at the last processed reference, and
// pagination with before covers bursts larger than one page.
func (a *Adapter) RecentActivity(ctx context.Context, address, untilRef string, limit int) ([]ActivityEntry, error) {
	var allSigs []rpc.SignatureInfo
	var before string

	remaining := limit
	for remaining > 0 {
		pageSize := remaining
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}

		opts := &rpc.GetSignaturesOpts{
			Limit: pageSize,
			Until: untilRef,
		}
		if before != "" {
			opts.Before = before
		}

		sigs, err := a.client.GetSignaturesForAddress(ctx, address, opts)
		if err != nil {
			return nil, fmt.Errorf("fetch signatures page: %w", err)
		}
		if len(sigs) == 0 {
			break
		}

		allSigs = append(allSigs, sigs...)
		remaining -= len(sigs)

		// Fewer than requested means we reached the end of history.
		if len(sigs) < pageSize {
			break
		}
		before = sigs[len(sigs)-1].Signature
	}

	entries := make([]ActivityEntry, len(allSigs))
	var mu sync.Mutex
	var firstErr error

	sem := make(chan struct{}, maxConcurrentTxs)
	var wg sync.WaitGroup

	for i, sig := range allSigs {
		// Reverse to oldest-first while filling.
		idx := len(allSigs) - 1 - i

		entry := ActivityEntry{
			Signature: sig.Signature,
			Slot:      sig.Slot,
			Failed:    sig.Err != nil,
			Memo:      parseMemo(sig.Memo),
		}
		if sig.BlockTime != nil {
			bt := time.Unix(*sig.BlockTime, 0).UTC()
			entry.BlockTime = &bt
		}

		// Failed transactions move no funds; skip the extra fetch.
		if entry.Failed {
			entries[idx] = entry
			continue
		}

		wg.Add(1)
		go func(idx int, entry ActivityEntry) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			tx, err := a.client.GetTransaction(ctx, entry.Signature)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("fetch tx %s: %w", entry.Signature, err)
				}
				mu.Unlock()
				return
			}
			if tx != nil {
				entry.Failed = tx.Meta != nil && tx.Meta.Err != nil
				if !entry.Failed {
					entry.Deltas = a.computeDeltas(address, tx)
				}
			}

			mu.Lock()
			entries[idx] = entry
			mu.Unlock()
		}(idx, entry)
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}

	a.logger.Info("fetched activity",
		"address", address,
		"count", len(entries),
		"until", untilRef,
	)
	return entries, nil
}

// Submit broadcasts a signed transaction and returns its signature.
func (a *Adapter) Submit(ctx context.Context, signedTxB64 string) (string, error) {
	return a.client.SendTransaction(ctx, signedTxB64)
}

// computeDeltas derives the net per-asset balance change for address from a
// confirmed transaction's pre/post balances.
func (a *Adapter) computeDeltas(address string, tx *rpc.TransactionResponse) map[model.Asset]int64 {
	if tx.Meta == nil {
		return nil
	}
	deltas := make(map[model.Asset]int64)

	for asset, info := range a.assets {
		switch info.Kind {
		case model.AssetKindNative:
			for i, key := range tx.Transaction.Message.AccountKeys {
				if key.Pubkey != address {
					continue
				}
				if i < len(tx.Meta.PreBalances) && i < len(tx.Meta.PostBalances) {
					if d := tx.Meta.PostBalances[i] - tx.Meta.PreBalances[i]; d != 0 {
						deltas[asset] = d
					}
				}
				break
			}
		case model.AssetKindStable:
			if d := tokenDelta(tx.Meta, info.Mint, address); d != 0 {
				deltas[asset] = d
			}
		}
	}
	return deltas
}

// tokenDelta sums the owner's token balance change for one mint. Pre and
// post entries are matched by account index; a missing pre entry means the
// token account was created in this transaction.
func tokenDelta(meta *rpc.TransactionMeta, mint, owner string) int64 {
	pre := make(map[int]int64)
	for _, tb := range meta.PreTokenBalances {
		if tb.Mint == mint && tb.Owner == owner {
			pre[tb.AccountIndex] = parseTokenAmount(tb.UITokenAmount.Amount)
		}
	}

	var delta int64
	seen := make(map[int]bool)
	for _, tb := range meta.PostTokenBalances {
		if tb.Mint != mint || tb.Owner != owner {
			continue
		}
		delta += parseTokenAmount(tb.UITokenAmount.Amount) - pre[tb.AccountIndex]
		seen[tb.AccountIndex] = true
	}
	// Accounts present pre but absent post were drained and closed.
	for idx, amount := range pre {
		if !seen[idx] {
			delta -= amount
		}
	}
	return delta
}

func parseTokenAmount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseMemo strips the "[len] " prefix the RPC prepends to memo strings in
// getSignaturesForAddress responses.
func parseMemo(memo *string) string {
	if memo == nil {
		return ""
	}
	s := *memo
	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "] "); end != -1 {
			s = s[end+2:]
		}
	}
	return strings.TrimSpace(s)
}
