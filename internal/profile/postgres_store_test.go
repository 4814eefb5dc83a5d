//go:build integration

package profile

import (
	"context"
	"testing"
	"time"

	"github.com/mercatod/mercato/internal/testutil"
)

func newTestProfile(id int64) *Profile {
	now := time.Now().UTC()
	return &Profile{
		ID:           id,
		Username:     "tester",
		Balance:      "0.0000",
		BalanceFiat:  "0.0000",
		ReferralCode: "code-" + time.Now().Format("150405.000000000"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestPostgres_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	p := newTestProfile(1001)
	if err := store.Create(ctx, p); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, 1001)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Username != "tester" {
		t.Errorf("Expected username tester, got %s", got.Username)
	}
	if got.IsBlocked {
		t.Error("New profile should not be blocked")
	}
}

func TestPostgres_CreditAndDebit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, newTestProfile(1002)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Credit(ctx, 1002, CurrencyCrypto, "10.5000", "deposit", "dep-1"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := store.Debit(ctx, 1002, CurrencyCrypto, "4.0000", "withdrawal", "wd-1"); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}

	got, err := store.Get(ctx, 1002)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Balance != "6.5000" {
		t.Errorf("Expected balance 6.5000, got %s", got.Balance)
	}

	entries, err := store.History(ctx, 1002, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
}

func TestPostgres_DebitInsufficient(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, newTestProfile(1003)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := store.Debit(ctx, 1003, CurrencyCrypto, "1.0000", "withdrawal", "wd-2")
	if err != ErrInsufficientBalance {
		t.Errorf("Expected ErrInsufficientBalance, got %v", err)
	}
}

func TestPostgres_SetReferredByOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	for _, id := range []int64{1004, 1005, 1006} {
		if err := store.Create(ctx, newTestProfile(id)); err != nil {
			t.Fatalf("Create %d failed: %v", id, err)
		}
	}

	if err := store.SetReferredBy(ctx, 1004, 1005); err != nil {
		t.Fatalf("SetReferredBy failed: %v", err)
	}
	if err := store.SetReferredBy(ctx, 1004, 1006); err != ErrAlreadyReferred {
		t.Errorf("Expected ErrAlreadyReferred, got %v", err)
	}
}
