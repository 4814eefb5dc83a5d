package deposit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mercatod/mercato/internal/profile"
)

type fakeCreditor struct {
	mu      sync.Mutex
	credits []string
	fail    bool
}

func (f *fakeCreditor) Credit(ctx context.Context, id int64, currency profile.Currency, amount, entryType, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("credit failed")
	}
	f.credits = append(f.credits, entryType+":"+amount)
	return nil
}

func newTestService() (*Service, *MemoryStore, *fakeCreditor) {
	store := NewMemoryStore()
	creditor := &fakeCreditor{}
	return NewService(store, creditor, slog.Default()), store, creditor
}

func TestCreateReservesCode(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	d, err := svc.Create(ctx, 7, "25", profile.CurrencyCrypto, MethodOnChain)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.Status != StatusPending {
		t.Errorf("status = %s, want pending", d.Status)
	}
	if len(d.UniqueCode) != CodeLength {
		t.Errorf("code %q, want %d chars", d.UniqueCode, CodeLength)
	}
	for _, c := range d.UniqueCode {
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			t.Errorf("code %q contains %q, want uppercase alphanumeric", d.UniqueCode, c)
		}
	}
	window := time.Until(d.ExpiresAt)
	if window < 29*time.Minute || window > 30*time.Minute {
		t.Errorf("on-chain window %v, want ~30m", window)
	}
}

func TestCreateManualWindow(t *testing.T) {
	svc, _, _ := newTestService()

	d, err := svc.Create(context.Background(), 7, "25", profile.CurrencyFiat, MethodManual)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	window := time.Until(d.ExpiresAt)
	if window < 59*time.Minute || window > time.Hour {
		t.Errorf("manual window %v, want ~1h", window)
	}
}

func TestCreateRejectsInvalidAmount(t *testing.T) {
	svc, _, _ := newTestService()
	for _, amount := range []string{"", "0", "-1", "nope"} {
		if _, err := svc.Create(context.Background(), 7, amount, profile.CurrencyCrypto, MethodOnChain); err == nil {
			t.Errorf("Create(%q) succeeded, want error", amount)
		}
	}
}

func TestConfirmOnChainCreditsObservedAmount(t *testing.T) {
	svc, _, creditor := newTestService()
	ctx := context.Background()

	d, _ := svc.Create(ctx, 7, "25", profile.CurrencyCrypto, MethodOnChain)

	// The user sent more than requested; credit what arrived.
	confirmed, err := svc.ConfirmOnChain(ctx, d.ID, "0xref1", "26.5")
	if err != nil {
		t.Fatalf("ConfirmOnChain: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", confirmed.Status)
	}
	if confirmed.CreditedAmount != "26.5000" {
		t.Errorf("creditedAmount = %s, want 26.5000", confirmed.CreditedAmount)
	}
	if len(creditor.credits) != 1 || creditor.credits[0] != "deposit:26.5000" {
		t.Errorf("credits = %v, want one deposit credit of 26.5000", creditor.credits)
	}
}

func TestConfirmOnChainReplayRejected(t *testing.T) {
	svc, _, creditor := newTestService()
	ctx := context.Background()

	d, _ := svc.Create(ctx, 7, "25", profile.CurrencyCrypto, MethodOnChain)
	if _, err := svc.ConfirmOnChain(ctx, d.ID, "0xref1", "25"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if _, err := svc.ConfirmOnChain(ctx, d.ID, "0xref1", "25"); !errors.Is(err, ErrNotPending) {
		t.Errorf("replay error = %v, want ErrNotPending", err)
	}
	if len(creditor.credits) != 1 {
		t.Errorf("credits = %d after replay, want 1", len(creditor.credits))
	}
}

func TestConfirmOnChainDuplicateRefAcrossDeposits(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	a, _ := svc.Create(ctx, 7, "25", profile.CurrencyCrypto, MethodOnChain)
	b, _ := svc.Create(ctx, 8, "25", profile.CurrencyCrypto, MethodOnChain)

	if _, err := svc.ConfirmOnChain(ctx, a.ID, "0xshared", "25"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if _, err := svc.ConfirmOnChain(ctx, b.ID, "0xshared", "25"); !errors.Is(err, ErrDuplicateRef) {
		t.Errorf("error = %v, want ErrDuplicateRef", err)
	}
}

func TestApproveManual(t *testing.T) {
	svc, _, creditor := newTestService()
	ctx := context.Background()

	d, _ := svc.Create(ctx, 7, "100", profile.CurrencyFiat, MethodManual)
	approved, err := svc.ApproveManual(ctx, d.ID, "bank transfer verified")
	if err != nil {
		t.Fatalf("ApproveManual: %v", err)
	}
	if approved.CreditedAmount != "100.0000" {
		t.Errorf("creditedAmount = %s, want 100.0000", approved.CreditedAmount)
	}
	if len(creditor.credits) != 1 || creditor.credits[0] != "deposit:100.0000" {
		t.Errorf("credits = %v", creditor.credits)
	}
}

func TestApproveManualRejectsOnChainDeposit(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	d, _ := svc.Create(ctx, 7, "100", profile.CurrencyCrypto, MethodOnChain)
	if _, err := svc.ApproveManual(ctx, d.ID, ""); err == nil {
		t.Error("manual approval of on-chain deposit succeeded")
	}
}

func TestReject(t *testing.T) {
	svc, store, creditor := newTestService()
	ctx := context.Background()

	d, _ := svc.Create(ctx, 7, "100", profile.CurrencyFiat, MethodManual)
	rejected, err := svc.Reject(ctx, d.ID, "no matching bank transfer")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", rejected.Status)
	}
	if len(creditor.credits) != 0 {
		t.Errorf("rejected deposit credited: %v", creditor.credits)
	}
	got, _ := store.Get(ctx, d.ID)
	if got.Notes != "no matching bank transfer" {
		t.Errorf("notes = %q", got.Notes)
	}
}

func TestExpire(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	d, _ := svc.Create(ctx, 7, "25", profile.CurrencyCrypto, MethodOnChain)

	// Not yet past the window.
	if err := svc.Expire(ctx, d); !errors.Is(err, ErrNotPending) {
		t.Errorf("early expire error = %v, want ErrNotPending", err)
	}

	d.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.Update(ctx, d, StatusPending); err != nil {
		t.Fatalf("backdating: %v", err)
	}
	stale, _ := store.Get(ctx, d.ID)
	if err := svc.Expire(ctx, stale); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	got, _ := store.Get(ctx, d.ID)
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}

	// Expired deposits cannot be confirmed.
	if _, err := svc.ConfirmOnChain(ctx, d.ID, "0xlate", "25"); !errors.Is(err, ErrNotPending) {
		t.Errorf("confirm after expiry error = %v, want ErrNotPending", err)
	}
}

func TestGetPendingByCode(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	d, _ := svc.Create(ctx, 7, "25", profile.CurrencyCrypto, MethodOnChain)
	found, err := svc.GetPendingByCode(ctx, d.UniqueCode)
	if err != nil {
		t.Fatalf("GetPendingByCode: %v", err)
	}
	if found.ID != d.ID {
		t.Errorf("found %s, want %s", found.ID, d.ID)
	}

	// Confirmed deposits no longer resolve by code.
	if _, err := svc.ConfirmOnChain(ctx, d.ID, "0xref", "25"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := svc.GetPendingByCode(ctx, d.UniqueCode); !errors.Is(err, ErrDepositNotFound) {
		t.Errorf("resolved a confirmed deposit by code: %v", err)
	}
}
