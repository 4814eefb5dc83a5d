package disburser

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/mercatod/mercato/internal/chain"
	"github.com/mercatod/mercato/internal/profile"
	"github.com/mercatod/mercato/internal/referral"
	"github.com/mercatod/mercato/internal/settings"
	"github.com/mercatod/mercato/internal/walletkey"
	"github.com/mercatod/mercato/internal/withdrawal"
)

type fakeSender struct {
	mu      sync.Mutex
	balance *big.Int
	sent    []string // "to:amount:memo"
	fail    bool
}

func (f *fakeSender) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeSender) SendTransfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int, memo string) (*chain.Outbound, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, &chain.TransferError{Op: "send", Err: errors.New("rpc unreachable")}
	}
	f.sent = append(f.sent, to.Hex()+":"+amount.String()+":"+memo)
	return &chain.Outbound{Hash: "0xout" + memo, Fee: big.NewInt(10)}, nil
}

type fakeKeys struct{ key *walletkey.Key }

func (f *fakeKeys) Load(ctx context.Context) (*walletkey.Key, error) {
	if f.key == nil {
		return nil, walletkey.ErrNotConfigured
	}
	return f.key, nil
}

type fakeRates struct{ rate string }

func (f *fakeRates) CommissionRate(ctx context.Context) (string, error) { return f.rate, nil }

func (f *fakeRates) ReferralRates(ctx context.Context) (string, string, error) {
	return "3", "1", nil
}

type fakeProfiles struct {
	mu      sync.Mutex
	balance string
}

func (f *fakeProfiles) Get(ctx context.Context, id int64) (*profile.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &profile.Profile{ID: id, Balance: f.balance, BalanceFiat: f.balance}, nil
}

func (f *fakeProfiles) setBalance(balance string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = balance
}

type recordingBalances struct {
	mu      sync.Mutex
	debits  []string
	credits []string
}

func (r *recordingBalances) Debit(ctx context.Context, id int64, currency profile.Currency, amount, entryType, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.debits = append(r.debits, entryType+":"+amount)
	return nil
}

func (r *recordingBalances) Credit(ctx context.Context, id int64, currency profile.Currency, amount, entryType, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credits = append(r.credits, entryType+":"+amount)
	return nil
}

type fixture struct {
	svc      *Service
	wdSvc    *withdrawal.Service
	wdStore  *withdrawal.MemoryStore
	refSvc   *referral.Service
	refStore *referral.MemoryStore
	sender   *fakeSender
	profiles *fakeProfiles
	balances *recordingBalances
}

const dest = "0x00000000000000000000000000000000000000dd"

func newFixture(t *testing.T, walletBalance int64) *fixture {
	t.Helper()
	priv, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	key := &walletkey.Key{Private: priv, Address: gethcrypto.PubkeyToAddress(priv.PublicKey)}

	balances := &recordingBalances{}
	rates := &fakeRates{rate: "5"}
	profiles := &fakeProfiles{balance: "1000.0000"}

	wdStore := withdrawal.NewMemoryStore()
	wdSvc := withdrawal.NewService(wdStore, profiles, balances,
		&autoPolicy{}, slog.Default())

	refStore := referral.NewMemoryStore()
	refSvc := referral.NewService(refStore, balances, rates, slog.Default())

	sender := &fakeSender{balance: big.NewInt(walletBalance)}
	svc := NewService(Config{SafetyBuffer: big.NewInt(10_000)}, wdSvc, sender,
		&fakeKeys{key: key}, rates, refSvc, slog.Default())

	return &fixture{
		svc:      svc,
		wdSvc:    wdSvc,
		wdStore:  wdStore,
		refSvc:   refSvc,
		refStore: refStore,
		sender:   sender,
		profiles: profiles,
		balances: balances,
	}
}

type autoPolicy struct{}

func (a *autoPolicy) WithdrawalMode(ctx context.Context) (string, error) {
	return settings.ModeAuto, nil
}

func (a *autoPolicy) MinWithdrawalAmount(ctx context.Context) (string, error) {
	return "1", nil
}

func TestPayoutHappyPath(t *testing.T) {
	f := newFixture(t, 10_000_000) // 1000.0000 liquidity
	ctx := context.Background()

	w, err := f.wdSvc.Request(ctx, 5, "100", profile.CurrencyCrypto, dest)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := f.wdStore.Get(ctx, w.ID)
	if got.Status != withdrawal.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	// 5% fee: net 95 sent, gross 100 debited.
	if got.Fee != "5.0000" || got.NetAmount != "95.0000" {
		t.Errorf("fee = %s net = %s, want 5.0000 / 95.0000", got.Fee, got.NetAmount)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0] != common.HexToAddress(dest).Hex()+":950000:"+w.ID {
		t.Errorf("sent = %v", f.sender.sent)
	}
	if len(f.balances.debits) != 1 || f.balances.debits[0] != "withdrawal:100.0000" {
		t.Errorf("debits = %v, want gross 100.0000", f.balances.debits)
	}
}

func TestPayoutAwardsReferrals(t *testing.T) {
	f := newFixture(t, 10_000_000)
	ctx := context.Background()

	// 9 referred 5.
	if err := f.refSvc.Link(ctx, 9, 5); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if _, err := f.wdSvc.Request(ctx, 5, "100", profile.CurrencyCrypto, dest); err != nil {
		t.Fatalf("Request: %v", err)
	}

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// 3% of gross 100.
	found := false
	for _, c := range f.balances.credits {
		if c == "referral:3.0000" {
			found = true
		}
	}
	if !found {
		t.Errorf("credits = %v, want a referral credit of 3.0000", f.balances.credits)
	}

	// A second run must not double-pay.
	earnings, _ := f.refStore.ListEarnings(ctx, 9, 10)
	if len(earnings) != 1 {
		t.Errorf("earnings = %d, want 1", len(earnings))
	}
}

func TestLiquidityShortfallDefersWithoutDebit(t *testing.T) {
	f := newFixture(t, 500_000) // 50.0000: not enough for net 95 + buffer
	ctx := context.Background()

	w, _ := f.wdSvc.Request(ctx, 5, "100", profile.CurrencyCrypto, dest)

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := f.wdStore.Get(ctx, w.ID)
	if got.Status != withdrawal.StatusApproved {
		t.Errorf("status = %s, want approved (deferred for retry)", got.Status)
	}
	if got.Notes != "insufficient wallet liquidity" {
		t.Errorf("notes = %q", got.Notes)
	}
	if len(f.balances.debits) != 0 {
		t.Errorf("deferred payout debited the balance: %v", f.balances.debits)
	}
	if len(f.sender.sent) != 0 {
		t.Errorf("deferred payout sent a transfer: %v", f.sender.sent)
	}
}

func TestTransferFailureRetriedOnNextRun(t *testing.T) {
	f := newFixture(t, 10_000_000)
	f.sender.fail = true
	ctx := context.Background()

	w, _ := f.wdSvc.Request(ctx, 5, "100", profile.CurrencyCrypto, dest)

	// First run: the RPC is down, the row goes back to the queue.
	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := f.wdStore.Get(ctx, w.ID)
	if got.Status != withdrawal.StatusApproved {
		t.Fatalf("status = %s, want approved (queued for retry)", got.Status)
	}
	if got.Notes != "transfer failed: chain: send failed: rpc unreachable" {
		t.Errorf("notes = %q", got.Notes)
	}
	if len(f.balances.debits) != 0 {
		t.Errorf("failed payout debited the balance: %v", f.balances.debits)
	}

	// Second run with the RPC back: no re-approval needed.
	f.sender.fail = false
	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ = f.wdStore.Get(ctx, w.ID)
	if got.Status != withdrawal.StatusCompleted {
		t.Fatalf("withdrawal not retried: status = %s, want completed", got.Status)
	}
	if len(f.sender.sent) != 1 {
		t.Errorf("sent = %v, want exactly one transfer", f.sender.sent)
	}
	if len(f.balances.debits) != 1 || f.balances.debits[0] != "withdrawal:100.0000" {
		t.Errorf("debits = %v, want gross 100.0000", f.balances.debits)
	}
}

func TestBalanceSpentBeforePayoutDeferred(t *testing.T) {
	f := newFixture(t, 10_000_000)
	ctx := context.Background()

	w, _ := f.wdSvc.Request(ctx, 5, "100", profile.CurrencyCrypto, dest)

	// The balance covered the request, then got spent elsewhere.
	f.profiles.setBalance("40.0000")

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := f.wdStore.Get(ctx, w.ID)
	if got.Status != withdrawal.StatusApproved {
		t.Errorf("status = %s, want approved (deferred)", got.Status)
	}
	if got.Notes != "balance no longer covers withdrawal" {
		t.Errorf("notes = %q", got.Notes)
	}
	if len(f.sender.sent) != 0 {
		t.Errorf("underfunded payout left the hot wallet: %v", f.sender.sent)
	}
	if len(f.balances.debits) != 0 {
		t.Errorf("underfunded payout debited the balance: %v", f.balances.debits)
	}

	// Once the balance recovers the payout goes through.
	f.profiles.setBalance("150.0000")
	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ = f.wdStore.Get(ctx, w.ID)
	if got.Status != withdrawal.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestFiatWithdrawalBouncesToManual(t *testing.T) {
	f := newFixture(t, 10_000_000)
	ctx := context.Background()

	w, _ := f.wdSvc.Request(ctx, 5, "100", profile.CurrencyFiat, "bank acct 42")

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := f.wdStore.Get(ctx, w.ID)
	if got.Status != withdrawal.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.Notes != "off-chain currency, settle manually" {
		t.Errorf("notes = %q", got.Notes)
	}

	// The operator settles it by hand.
	done, err := f.wdSvc.CompleteManual(ctx, w.ID, "bank-ref-777")
	if err != nil {
		t.Fatalf("CompleteManual: %v", err)
	}
	if done.Status != withdrawal.StatusCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}
	if len(f.balances.debits) != 1 || f.balances.debits[0] != "withdrawal:100.0000" {
		t.Errorf("debits = %v", f.balances.debits)
	}
}

func TestInvalidDestinationRejected(t *testing.T) {
	f := newFixture(t, 10_000_000)
	ctx := context.Background()

	w, _ := f.wdSvc.Request(ctx, 5, "100", profile.CurrencyCrypto, "not-an-address")

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := f.wdStore.Get(ctx, w.ID)
	if got.Status != withdrawal.StatusPending || got.Notes != "invalid destination address" {
		t.Errorf("withdrawal = %+v", got)
	}
	if len(f.sender.sent) != 0 {
		t.Error("sent to an invalid destination")
	}
}

func TestNoWalletLeavesQueueUntouched(t *testing.T) {
	f := newFixture(t, 10_000_000)
	ctx := context.Background()

	w, _ := f.wdSvc.Request(ctx, 5, "100", profile.CurrencyCrypto, dest)

	svc := NewService(Config{}, f.wdSvc, f.sender, &fakeKeys{}, &fakeRates{rate: "5"},
		f.refSvc, slog.Default())
	if err := svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := f.wdStore.Get(ctx, w.ID)
	if got.Status != withdrawal.StatusApproved {
		t.Errorf("status = %s, want approved (unclaimed)", got.Status)
	}
}

func TestBatchLiquidityAccounting(t *testing.T) {
	// Liquidity covers one 95-net payout plus buffer, not two.
	f := newFixture(t, 1_060_000) // 106.0000
	ctx := context.Background()

	a, _ := f.wdSvc.Request(ctx, 5, "100", profile.CurrencyCrypto, dest)
	b, _ := f.wdSvc.Request(ctx, 6, "100", profile.CurrencyCrypto, dest)

	if err := f.svc.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	first, _ := f.wdStore.Get(ctx, a.ID)
	second, _ := f.wdStore.Get(ctx, b.ID)
	completed := 0
	deferred := 0
	for _, w := range []*withdrawal.Withdrawal{first, second} {
		switch w.Status {
		case withdrawal.StatusCompleted:
			completed++
		case withdrawal.StatusApproved:
			deferred++
		}
	}
	if completed != 1 || deferred != 1 {
		t.Errorf("completed = %d deferred = %d, want 1 and 1", completed, deferred)
	}
}
