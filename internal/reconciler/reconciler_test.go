package reconciler

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mercatod/mercato/internal/chain"
	"github.com/mercatod/mercato/internal/deposit"
	"github.com/mercatod/mercato/internal/escrow"
	"github.com/mercatod/mercato/internal/profile"
	"github.com/mercatod/mercato/internal/walletkey"
)

var custodyAddr = common.HexToAddress("0x00000000000000000000000000000000000000cc")

type fakeKeys struct{ err error }

func (f *fakeKeys) Load(ctx context.Context) (*walletkey.Key, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &walletkey.Key{Address: custodyAddr}, nil
}

type fakeSource struct {
	head      uint64
	transfers map[uint64][]*chain.Transfer
}

func (f *fakeSource) Head(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeSource) ScanBlocks(ctx context.Context, from, to uint64, watch common.Address) ([]*chain.Transfer, error) {
	var out []*chain.Transfer
	for n := from; n <= to; n++ {
		out = append(out, f.transfers[n]...)
	}
	return out, nil
}

type fakeBalances struct {
	mu      sync.Mutex
	credits []string
	debits  []string
}

func (f *fakeBalances) Credit(ctx context.Context, id int64, currency profile.Currency, amount, entryType, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits = append(f.credits, entryType+":"+amount)
	return nil
}

func (f *fakeBalances) Debit(ctx context.Context, id int64, currency profile.Currency, amount, entryType, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debits = append(f.debits, entryType+":"+amount)
	return nil
}

type fakeRates struct{}

func (f *fakeRates) CommissionRate(ctx context.Context) (string, error) { return "5", nil }

type fixture struct {
	svc        *Service
	store      *MemoryStore
	source     *fakeSource
	escrowSvc  *escrow.Service
	escrowStr  *escrow.MemoryStore
	depositSvc *deposit.Service
	balances   *fakeBalances
}

func newFixture() *fixture {
	balances := &fakeBalances{}
	escrowStore := escrow.NewMemoryStore()
	escrowSvc := escrow.NewService(escrowStore, balances, &fakeRates{}, slog.Default())
	depositStore := deposit.NewMemoryStore()
	depositSvc := deposit.NewService(depositStore, balances, slog.Default())

	store := NewMemoryStore()
	source := &fakeSource{head: 100, transfers: make(map[uint64][]*chain.Transfer)}
	svc := NewService(Config{}, store, source, &fakeKeys{},
		escrowSvc, depositSvc, escrowStore, depositStore, slog.Default())

	return &fixture{
		svc:        svc,
		store:      store,
		source:     source,
		escrowSvc:  escrowSvc,
		escrowStr:  escrowStore,
		depositSvc: depositSvc,
		balances:   balances,
	}
}

func (f *fixture) addTransfer(block uint64, hash, memo string, amountMinor int64) {
	f.source.transfers[block] = append(f.source.transfers[block], &chain.Transfer{
		Hash:   hash,
		From:   common.HexToAddress("0x01"),
		To:     custodyAddr,
		Amount: big.NewInt(amountMinor),
		Memo:   memo,
		Block:  block,
	})
}

func TestFirstRunOnlySetsCursor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.addTransfer(50, "0xold", "tx_whatever", 500000)
	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cursor, _ := f.store.Cursor(ctx)
	if cursor != 97 { // head 100 minus 3 confirmations
		t.Errorf("cursor = %d, want 97", cursor)
	}
	if len(f.balances.credits) != 0 {
		t.Errorf("first run settled historic transfers: %v", f.balances.credits)
	}
}

func TestSettlesSalePayment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tx, _ := f.escrowSvc.CreateSale(ctx, 1, "prd_1", "50", profile.CurrencyCrypto)
	claimed, _ := f.escrowSvc.Claim(ctx, tx, 2)

	f.store.SetCursor(ctx, 94)
	f.addTransfer(95, "0xpay1", "tx_"+claimed.UniqueLink, 500000)

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := f.escrowStr.Get(ctx, claimed.ID)
	if got.Status != escrow.StatusPaymentReceived {
		t.Errorf("status = %s, want payment_received", got.Status)
	}
	if got.OnChainRef == nil || *got.OnChainRef != "0xpay1" {
		t.Error("on-chain reference not recorded")
	}
}

func TestRescanIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tx, _ := f.escrowSvc.CreateSale(ctx, 1, "prd_1", "50", profile.CurrencyCrypto)
	claimed, _ := f.escrowSvc.Claim(ctx, tx, 2)

	f.store.SetCursor(ctx, 94)
	f.addTransfer(95, "0xpay1", "tx_"+claimed.UniqueLink, 500000)

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	// Rewind the cursor to force a rescan of the same block.
	f.store.SetCursor(ctx, 94)
	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	got, _ := f.escrowStr.Get(ctx, claimed.ID)
	if got.Status != escrow.StatusPaymentReceived {
		t.Errorf("status = %s after rescan", got.Status)
	}
	unmatched, _ := f.store.ListUnmatched(ctx, 10)
	if len(unmatched) != 0 {
		t.Errorf("rescan queued %d unmatched entries", len(unmatched))
	}
}

func TestToleranceAccepted(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tx, _ := f.escrowSvc.CreateSale(ctx, 1, "prd_1", "50", profile.CurrencyCrypto)
	claimed, _ := f.escrowSvc.Claim(ctx, tx, 2)

	f.store.SetCursor(ctx, 94)
	// 49.9000 against expected 50: within max(0.05, 5%).
	f.addTransfer(95, "0xpay1", "tx_"+claimed.UniqueLink, 499000)

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := f.escrowStr.Get(ctx, claimed.ID)
	if got.Status != escrow.StatusPaymentReceived {
		t.Errorf("underpayment within tolerance not settled: %s", got.Status)
	}
}

func TestAmountMismatchQueued(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tx, _ := f.escrowSvc.CreateSale(ctx, 1, "prd_1", "50", profile.CurrencyCrypto)
	claimed, _ := f.escrowSvc.Claim(ctx, tx, 2)

	f.store.SetCursor(ctx, 94)
	f.addTransfer(95, "0xpay1", "tx_"+claimed.UniqueLink, 100000) // 10 vs 50

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := f.escrowStr.Get(ctx, claimed.ID)
	if got.Status != escrow.StatusPendingPayment {
		t.Errorf("mismatched payment settled the sale: %s", got.Status)
	}
	unmatched, _ := f.store.ListUnmatched(ctx, 10)
	if len(unmatched) != 1 || unmatched[0].Reason != ReasonAmountMismatch {
		t.Errorf("unmatched = %+v, want one amount_mismatch entry", unmatched)
	}
}

func TestLatePaymentNeverCredits(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	tx, _ := f.escrowSvc.CreateSale(ctx, 1, "prd_1", "50", profile.CurrencyCrypto)
	claimed, _ := f.escrowSvc.Claim(ctx, tx, 2)

	// Window closed before the payment landed.
	past := time.Now().Add(-time.Minute)
	claimed.ExpiresAt = &past
	if err := f.escrowStr.Update(ctx, claimed, escrow.StatusPendingPayment); err != nil {
		t.Fatalf("backdating claim: %v", err)
	}

	f.store.SetCursor(ctx, 94)
	f.addTransfer(95, "0xlate", "tx_"+claimed.UniqueLink, 500000)

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	unmatched, _ := f.store.ListUnmatched(ctx, 10)
	if len(unmatched) != 1 || unmatched[0].Reason != ReasonLatePayment {
		t.Errorf("unmatched = %+v, want one late_payment entry", unmatched)
	}
	// The sweep should also have cancelled the stale claim.
	got, _ := f.escrowStr.Get(ctx, claimed.ID)
	if got.Status != escrow.StatusCancelled {
		t.Errorf("stale claim status = %s, want cancelled", got.Status)
	}
}

func TestDepositCreditsObservedAmount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	d, _ := f.depositSvc.Create(ctx, 7, "25", profile.CurrencyCrypto, deposit.MethodOnChain)

	f.store.SetCursor(ctx, 94)
	f.addTransfer(95, "0xdep1", "dep_"+d.UniqueCode, 270000) // sent 27, asked 25

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := f.depositSvc.Get(ctx, d.ID)
	if got.Status != deposit.StatusConfirmed {
		t.Errorf("status = %s, want confirmed", got.Status)
	}
	if got.CreditedAmount != "27.0000" {
		t.Errorf("creditedAmount = %s, want observed 27.0000", got.CreditedAmount)
	}
}

func TestUnknownMemoAndDust(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.store.SetCursor(ctx, 94)
	f.addTransfer(95, "0xmystery", "hello", 500000)
	f.addTransfer(95, "0xdust", "tx_abcd", 5) // below 0.0010 dust threshold

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	unmatched, _ := f.store.ListUnmatched(ctx, 10)
	if len(unmatched) != 1 {
		t.Fatalf("unmatched = %d entries, want 1 (dust silently dropped)", len(unmatched))
	}
	if unmatched[0].Reason != ReasonUnknownMemo {
		t.Errorf("reason = %s, want unknown_memo", unmatched[0].Reason)
	}
}

func TestWalletNotConfiguredIsIdle(t *testing.T) {
	f := newFixture()
	svc := NewService(Config{}, f.store, f.source, &fakeKeys{err: walletkey.ErrNotConfigured},
		f.escrowSvc, f.depositSvc, f.escrowStr, deposit.NewMemoryStore(), slog.Default())

	if err := svc.Run(context.Background()); err != nil {
		t.Errorf("Run without wallet = %v, want nil", err)
	}
}

func TestMarkReviewed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.store.SetCursor(ctx, 94)
	f.addTransfer(95, "0xmystery", "", 500000)
	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	unmatched, _ := f.svc.ListUnmatched(ctx, 10)
	if len(unmatched) != 1 {
		t.Fatalf("unmatched = %d, want 1", len(unmatched))
	}
	if err := f.svc.MarkReviewed(ctx, unmatched[0].ID, "refunded manually"); err != nil {
		t.Fatalf("MarkReviewed: %v", err)
	}
	remaining, _ := f.svc.ListUnmatched(ctx, 10)
	if len(remaining) != 0 {
		t.Errorf("reviewed entry still listed")
	}
}
