package referral

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/mercatod/mercato/internal/profile"
)

type fakeCreditor struct {
	mu      sync.Mutex
	credits map[int64][]string
}

func newFakeCreditor() *fakeCreditor {
	return &fakeCreditor{credits: make(map[int64][]string)}
}

func (f *fakeCreditor) Credit(ctx context.Context, id int64, currency profile.Currency, amount, entryType, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits[id] = append(f.credits[id], amount)
	return nil
}

type fakeRates struct{ l1, l2 string }

func (f *fakeRates) ReferralRates(ctx context.Context) (string, string, error) {
	return f.l1, f.l2, nil
}

func newTestService(l1, l2 string) (*Service, *MemoryStore, *fakeCreditor) {
	store := NewMemoryStore()
	creditor := newFakeCreditor()
	svc := NewService(store, creditor, &fakeRates{l1: l1, l2: l2}, slog.Default())
	return svc, store, creditor
}

func TestLinkBuildsTwoLevels(t *testing.T) {
	svc, store, _ := newTestService("3", "1")
	ctx := context.Background()

	// 100 refers 200, 200 refers 300.
	if err := svc.Link(ctx, 100, 200); err != nil {
		t.Fatalf("Link(100, 200): %v", err)
	}
	if err := svc.Link(ctx, 200, 300); err != nil {
		t.Fatalf("Link(200, 300): %v", err)
	}

	edges, _ := store.Referrers(ctx, 300)
	if len(edges) != 2 {
		t.Fatalf("edges for 300 = %d, want 2", len(edges))
	}
	if edges[0].Level != 1 || edges[0].ReferrerID != 200 {
		t.Errorf("level-1 edge = %+v, want referrer 200", edges[0])
	}
	if edges[1].Level != 2 || edges[1].ReferrerID != 100 {
		t.Errorf("level-2 edge = %+v, want referrer 100", edges[1])
	}
}

func TestLinkIdempotent(t *testing.T) {
	svc, store, _ := newTestService("3", "1")
	ctx := context.Background()

	if err := svc.Link(ctx, 100, 200); err != nil {
		t.Fatalf("first Link: %v", err)
	}
	if err := svc.Link(ctx, 100, 200); err != nil {
		t.Fatalf("repeated Link: %v", err)
	}
	// A different referrer cannot steal the slot.
	if err := svc.Link(ctx, 999, 200); err != nil {
		t.Fatalf("competing Link: %v", err)
	}
	edges, _ := store.Referrers(ctx, 200)
	if len(edges) != 1 || edges[0].ReferrerID != 100 {
		t.Errorf("edges = %+v, want single edge to 100", edges)
	}
}

func TestAwardPaysBothLevels(t *testing.T) {
	svc, _, creditor := newTestService("3", "1")
	ctx := context.Background()

	svc.Link(ctx, 100, 200)
	svc.Link(ctx, 200, 300)

	// 300 withdraws 200 gross: level 1 (200) gets 3% = 6, level 2 (100) gets 1% = 2.
	if err := svc.Award(ctx, 300, "wd_1", "200", profile.CurrencyCrypto); err != nil {
		t.Fatalf("Award: %v", err)
	}
	if got := creditor.credits[200]; len(got) != 1 || got[0] != "6.0000" {
		t.Errorf("level-1 credits = %v, want [6.0000]", got)
	}
	if got := creditor.credits[100]; len(got) != 1 || got[0] != "2.0000" {
		t.Errorf("level-2 credits = %v, want [2.0000]", got)
	}
}

func TestAwardReplayPaysOnce(t *testing.T) {
	svc, _, creditor := newTestService("3", "1")
	ctx := context.Background()

	svc.Link(ctx, 100, 200)
	if err := svc.Award(ctx, 200, "wd_1", "100", profile.CurrencyCrypto); err != nil {
		t.Fatalf("first Award: %v", err)
	}
	if err := svc.Award(ctx, 200, "wd_1", "100", profile.CurrencyCrypto); err != nil {
		t.Fatalf("replayed Award: %v", err)
	}
	if got := creditor.credits[100]; len(got) != 1 {
		t.Errorf("credits after replay = %v, want exactly one", got)
	}

	// A different withdrawal pays again.
	if err := svc.Award(ctx, 200, "wd_2", "100", profile.CurrencyCrypto); err != nil {
		t.Fatalf("second event Award: %v", err)
	}
	if got := creditor.credits[100]; len(got) != 2 {
		t.Errorf("credits after second event = %v, want two", got)
	}
}

func TestAwardSkipsZeroRounding(t *testing.T) {
	svc, store, creditor := newTestService("1", "1")
	ctx := context.Background()

	svc.Link(ctx, 100, 200)

	// 1% of 0.0040 rounds to 0.0000; nothing is paid or recorded.
	if err := svc.Award(ctx, 200, "wd_1", "0.0040", profile.CurrencyCrypto); err != nil {
		t.Fatalf("Award: %v", err)
	}
	if got := creditor.credits[100]; len(got) != 0 {
		t.Errorf("credits = %v, want none", got)
	}
	earnings, _ := store.ListEarnings(ctx, 100, 10)
	if len(earnings) != 0 {
		t.Errorf("earnings = %v, want none", earnings)
	}
}

func TestAwardWithoutReferrerIsNoop(t *testing.T) {
	svc, _, creditor := newTestService("3", "1")

	if err := svc.Award(context.Background(), 500, "wd_1", "100", profile.CurrencyCrypto); err != nil {
		t.Fatalf("Award: %v", err)
	}
	if len(creditor.credits) != 0 {
		t.Errorf("credits = %v, want none", creditor.credits)
	}
}

func TestAwardConcurrentReplays(t *testing.T) {
	svc, _, creditor := newTestService("3", "1")
	ctx := context.Background()

	svc.Link(ctx, 100, 200)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.Award(ctx, 200, "wd_1", "100", profile.CurrencyCrypto)
		}()
	}
	wg.Wait()

	if got := creditor.credits[100]; len(got) != 1 {
		t.Errorf("credits after concurrent replays = %v, want exactly one", got)
	}
}

func TestRoundingHalfUp(t *testing.T) {
	svc, _, creditor := newTestService("3", "1")
	ctx := context.Background()

	svc.Link(ctx, 100, 200)

	// 3% of 0.0250 = 0.00075, rounds half-up to 0.0008.
	if err := svc.Award(ctx, 200, "wd_1", "0.0250", profile.CurrencyCrypto); err != nil {
		t.Fatalf("Award: %v", err)
	}
	if got := creditor.credits[100]; len(got) != 1 || got[0] != "0.0008" {
		t.Errorf("credits = %v, want [0.0008]", got)
	}
}
