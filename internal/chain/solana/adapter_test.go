package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iwantamacmini2/macgas/internal/chain/solana/rpc"
	"github.com/iwantamacmini2/macgas/internal/domain/model"
)

const (
	testSponsor  = "SponsorWallet111"
	testUSDCMint = "MintUSDC111"
)

type fakeRPCClient struct {
	getSignatures   func(ctx context.Context, address string, opts *rpc.GetSignaturesOpts) ([]rpc.SignatureInfo, error)
	getTransaction  func(ctx context.Context, signature string) (*rpc.TransactionResponse, error)
	sendTransaction func(ctx context.Context, signedTxB64 string) (string, error)
}

var _ rpc.RPCClient = (*fakeRPCClient)(nil)

func (f *fakeRPCClient) GetSignaturesForAddress(ctx context.Context, address string, opts *rpc.GetSignaturesOpts) ([]rpc.SignatureInfo, error) {
	return f.getSignatures(ctx, address, opts)
}

func (f *fakeRPCClient) GetTransaction(ctx context.Context, signature string) (*rpc.TransactionResponse, error) {
	return f.getTransaction(ctx, signature)
}

func (f *fakeRPCClient) SendTransaction(ctx context.Context, signedTxB64 string) (string, error) {
	return f.sendTransaction(ctx, signedTxB64)
}

func testAssets() map[model.Asset]model.AssetInfo {
	return map[model.Asset]model.AssetInfo{
		model.AssetSOL: {
			Symbol:   "SOL",
			Kind:     model.AssetKindNative,
			Decimals: 9,
		},
		model.AssetUSDC: {
			Symbol:         "USDC",
			Kind:           model.AssetKindStable,
			Mint:           testUSDCMint,
			Decimals:       6,
			ConversionRate: 5.0,
		},
	}
}

func newTestAdapter(client rpc.RPCClient) *Adapter {
	return NewAdapterWithClient(client, testAssets(), slog.Default())
}

func memoPtr(s string) *string { return &s }

func solTransferTx(to string, lamports int64) *rpc.TransactionResponse {
	tx := &rpc.TransactionResponse{
		Meta: &rpc.TransactionMeta{
			PreBalances:  []int64{1_000_000, 0},
			PostBalances: []int64{1_000_000 - lamports - 5000, lamports},
		},
	}
	tx.Transaction.Message.AccountKeys = []rpc.AccountKey{
		{Pubkey: "Sender111", Signer: true, Writable: true},
		{Pubkey: to, Writable: true},
	}
	return tx
}

func usdcTransferTx(to string, units int64) *rpc.TransactionResponse {
	tx := &rpc.TransactionResponse{
		Meta: &rpc.TransactionMeta{
			PreBalances:  []int64{1_000_000, 0, 0},
			PostBalances: []int64{995_000, 0, 0},
			PreTokenBalances: []rpc.TokenBalance{
				tokenBalance(2, testUSDCMint, to, 0),
			},
			PostTokenBalances: []rpc.TokenBalance{
				tokenBalance(2, testUSDCMint, to, units),
			},
		},
	}
	tx.Transaction.Message.AccountKeys = []rpc.AccountKey{
		{Pubkey: "Sender111", Signer: true, Writable: true},
		{Pubkey: "SenderTokenAcct", Writable: true},
		{Pubkey: "SponsorTokenAcct", Writable: true},
	}
	return tx
}

func tokenBalance(index int, mint, owner string, amount int64) rpc.TokenBalance {
	tb := rpc.TokenBalance{AccountIndex: index, Mint: mint, Owner: owner}
	tb.UITokenAmount.Amount = fmt.Sprintf("%d", amount)
	tb.UITokenAmount.Decimals = 6
	return tb
}

func TestRecentActivity_OrdersOldestFirstAndComputesDeltas(t *testing.T) {
	client := &fakeRPCClient{
		getSignatures: func(_ context.Context, address string, opts *rpc.GetSignaturesOpts) ([]rpc.SignatureInfo, error) {
			assert.Equal(t, testSponsor, address)
			assert.Equal(t, "sig-cursor", opts.Until)
			// RPC returns newest-first.
			return []rpc.SignatureInfo{
				{Signature: "sig-2", Slot: 200, Memo: memoPtr("[8] proj-abc")},
				{Signature: "sig-1", Slot: 100, Memo: memoPtr("[8] proj-xyz")},
			}, nil
		},
		getTransaction: func(_ context.Context, signature string) (*rpc.TransactionResponse, error) {
			switch signature {
			case "sig-1":
				return solTransferTx(testSponsor, 100_000), nil
			case "sig-2":
				return usdcTransferTx(testSponsor, 500), nil
			}
			return nil, errors.New("unexpected signature")
		},
	}

	entries, err := newTestAdapter(client).RecentActivity(context.Background(), testSponsor, "sig-cursor", 100)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "sig-1", entries[0].Signature)
	assert.Equal(t, "proj-xyz", entries[0].Memo)
	assert.False(t, entries[0].Failed)
	assert.Equal(t, int64(100_000), entries[0].Deltas[model.AssetSOL])
	assert.NotContains(t, entries[0].Deltas, model.AssetUSDC)

	assert.Equal(t, "sig-2", entries[1].Signature)
	assert.Equal(t, "proj-abc", entries[1].Memo)
	assert.Equal(t, int64(500), entries[1].Deltas[model.AssetUSDC])
}

func TestRecentActivity_FailedEntrySkipsTransactionFetch(t *testing.T) {
	client := &fakeRPCClient{
		getSignatures: func(_ context.Context, _ string, _ *rpc.GetSignaturesOpts) ([]rpc.SignatureInfo, error) {
			return []rpc.SignatureInfo{
				{Signature: "sig-failed", Slot: 300, Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
			}, nil
		},
		getTransaction: func(_ context.Context, signature string) (*rpc.TransactionResponse, error) {
			t.Fatalf("unexpected getTransaction(%s) for failed entry", signature)
			return nil, nil
		},
	}

	entries, err := newTestAdapter(client).RecentActivity(context.Background(), testSponsor, "", 100)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Failed)
	assert.Nil(t, entries[0].Deltas)
}

func TestRecentActivity_StopsOnShortPage(t *testing.T) {
	var calls []string
	client := &fakeRPCClient{
		getSignatures: func(_ context.Context, _ string, opts *rpc.GetSignaturesOpts) ([]rpc.SignatureInfo, error) {
			calls = append(calls, opts.Before)
			return []rpc.SignatureInfo{
				{Signature: "sig-4", Slot: 400},
				{Signature: "sig-3", Slot: 300},
			}, nil
		},
		getTransaction: func(_ context.Context, _ string) (*rpc.TransactionResponse, error) {
			return solTransferTx(testSponsor, 1), nil
		},
	}

	entries, err := newTestAdapter(client).RecentActivity(context.Background(), testSponsor, "", 100)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, []string{""}, calls)
	assert.Equal(t, "sig-3", entries[0].Signature)
	assert.Equal(t, "sig-4", entries[1].Signature)
}

func TestRecentActivity_PaginatesWithBefore(t *testing.T) {
	// Failed entries skip the per-transaction fetch, keeping the large
	// first page cheap.
	firstPage := make([]rpc.SignatureInfo, maxPageSize)
	for i := range firstPage {
		firstPage[i] = rpc.SignatureInfo{
			Signature: fmt.Sprintf("sig-%d", maxPageSize+1-i),
			Slot:      int64(maxPageSize + 1 - i),
			Err:       "failed",
		}
	}

	var calls []string
	client := &fakeRPCClient{
		getSignatures: func(_ context.Context, _ string, opts *rpc.GetSignaturesOpts) ([]rpc.SignatureInfo, error) {
			calls = append(calls, opts.Before)
			if opts.Before == "" {
				return firstPage, nil
			}
			return []rpc.SignatureInfo{{Signature: "sig-1", Slot: 1, Err: "failed"}}, nil
		},
	}

	entries, err := newTestAdapter(client).RecentActivity(context.Background(), testSponsor, "", maxPageSize+1)
	require.NoError(t, err)
	require.Len(t, entries, maxPageSize+1)
	require.Len(t, calls, 2)
	assert.Equal(t, firstPage[len(firstPage)-1].Signature, calls[1])
	assert.Equal(t, "sig-1", entries[0].Signature)
}

func TestRecentActivity_SignatureFetchError(t *testing.T) {
	client := &fakeRPCClient{
		getSignatures: func(_ context.Context, _ string, _ *rpc.GetSignaturesOpts) ([]rpc.SignatureInfo, error) {
			return nil, &rpc.RPCError{Code: -32005, Message: "node is behind"}
		},
	}

	_, err := newTestAdapter(client).RecentActivity(context.Background(), testSponsor, "", 100)
	require.Error(t, err)

	var rpcErr *rpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
}

func TestComputeDeltas_ClosedTokenAccountGoesNegative(t *testing.T) {
	tx := &rpc.TransactionResponse{
		Meta: &rpc.TransactionMeta{
			PreTokenBalances: []rpc.TokenBalance{
				tokenBalance(1, testUSDCMint, testSponsor, 750),
			},
			PostTokenBalances: nil,
		},
	}
	tx.Transaction.Message.AccountKeys = []rpc.AccountKey{
		{Pubkey: testSponsor, Signer: true, Writable: true},
		{Pubkey: "SponsorTokenAcct", Writable: true},
	}

	deltas := newTestAdapter(&fakeRPCClient{}).computeDeltas(testSponsor, tx)
	assert.Equal(t, int64(-750), deltas[model.AssetUSDC])
}

func TestSubmit(t *testing.T) {
	client := &fakeRPCClient{
		sendTransaction: func(_ context.Context, signedTxB64 string) (string, error) {
			assert.Equal(t, "c2lnbmVkLXR4", signedTxB64)
			return "broadcast-sig", nil
		},
	}

	sig, err := newTestAdapter(client).Submit(context.Background(), "c2lnbmVkLXR4")
	require.NoError(t, err)
	assert.Equal(t, "broadcast-sig", sig)
}

func TestParseMemo(t *testing.T) {
	tests := []struct {
		name string
		memo *string
		want string
	}{
		{"nil", nil, ""},
		{"prefixed", memoPtr("[8] proj-abc"), "proj-abc"},
		{"bare", memoPtr("proj-abc"), "proj-abc"},
		{"whitespace", memoPtr("  proj-abc "), "proj-abc"},
		{"empty brackets", memoPtr("[0] "), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMemo(tt.memo))
		})
	}
}
