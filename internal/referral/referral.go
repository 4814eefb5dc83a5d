// Package referral tracks the two-level referral graph and pays
// commissions on withdrawals.
//
// Edges are recorded once, at first contact. Earnings are computed from
// the gross withdrawal amount and are idempotent per (referrer, source
// event, level), so a retried disburser run never pays twice.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mercatod/mercato/internal/idgen"
	"github.com/mercatod/mercato/internal/money"
	"github.com/mercatod/mercato/internal/profile"
)

var ErrEdgeExists = errors.New("referral edge already recorded")

// MaxLevel is the depth of the referral graph.
const MaxLevel = 2

// Edge links a referred profile to one of its referrers.
type Edge struct {
	ReferrerID int64     `json:"referrerId"`
	ReferredID int64     `json:"referredId"`
	Level      int       `json:"level"` // 1 = direct, 2 = referrer's referrer
	CreatedAt  time.Time `json:"createdAt"`
}

// Earning is a paid referral commission.
type Earning struct {
	ID            string    `json:"id"`
	ReferrerID    int64     `json:"referrerId"`
	SourceProfile int64     `json:"sourceProfile"`
	SourceEventID string    `json:"sourceEventId"`
	Level         int       `json:"level"`
	Rate          string    `json:"rate"`
	Amount        string    `json:"amount"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists the referral graph and earnings.
type Store interface {
	// CreateEdge records an edge. Returns ErrEdgeExists if the referred
	// profile already has an edge at that level.
	CreateEdge(ctx context.Context, e *Edge) error
	// Referrers returns the edges pointing at a profile's referrers,
	// ordered by level.
	Referrers(ctx context.Context, referredID int64) ([]*Edge, error)
	// CreateEarning inserts an earning unless one already exists for the
	// same (referrer, source event, level). Returns false when the
	// earning was already recorded.
	CreateEarning(ctx context.Context, e *Earning) (bool, error)
	ListEarnings(ctx context.Context, referrerID int64, limit int) ([]*Earning, error)
}

// BalanceCreditor credits profile balances.
type BalanceCreditor interface {
	Credit(ctx context.Context, id int64, currency profile.Currency, amount, entryType, reference string) error
}

// RateProvider supplies the per-level commission percents.
type RateProvider interface {
	ReferralRates(ctx context.Context) (l1, l2 string, err error)
}

// Service implements referral business logic.
type Service struct {
	store    Store
	balances BalanceCreditor
	rates    RateProvider
	logger   *slog.Logger
}

// NewService creates a new referral service.
func NewService(store Store, balances BalanceCreditor, rates RateProvider, logger *slog.Logger) *Service {
	return &Service{store: store, balances: balances, rates: rates, logger: logger}
}

// Link records the referral edges for a newly referred profile: a level-1
// edge to the referrer and, if the referrer was themselves referred, a
// level-2 edge to that profile. A profile's referrer never changes once
// set.
func (s *Service) Link(ctx context.Context, referrerID, referredID int64) error {
	now := time.Now()
	err := s.store.CreateEdge(ctx, &Edge{
		ReferrerID: referrerID,
		ReferredID: referredID,
		Level:      1,
		CreatedAt:  now,
	})
	if err != nil {
		if errors.Is(err, ErrEdgeExists) {
			return nil
		}
		return err
	}

	upstream, err := s.store.Referrers(ctx, referrerID)
	if err != nil {
		return err
	}
	for _, e := range upstream {
		if e.Level != 1 {
			continue
		}
		err := s.store.CreateEdge(ctx, &Edge{
			ReferrerID: e.ReferrerID,
			ReferredID: referredID,
			Level:      2,
			CreatedAt:  now,
		})
		if err != nil && !errors.Is(err, ErrEdgeExists) {
			return err
		}
	}
	return nil
}

// Award pays referral commissions for a settled withdrawal. baseAmount is
// the gross withdrawal amount. Zero-rounding commissions are skipped, and
// a replay of the same source event pays nothing.
func (s *Service) Award(ctx context.Context, sourceProfile int64, sourceEventID, baseAmount string, currency profile.Currency) error {
	base, ok := money.Parse(baseAmount)
	if !ok || !money.IsPositive(base) {
		return fmt.Errorf("referral: invalid base amount %q", baseAmount)
	}

	edges, err := s.store.Referrers(ctx, sourceProfile)
	if err != nil {
		return err
	}
	if len(edges) == 0 {
		return nil
	}

	l1, l2, err := s.rates.ReferralRates(ctx)
	if err != nil {
		return fmt.Errorf("failed to read referral rates: %w", err)
	}
	rateFor := map[int]string{1: l1, 2: l2}

	for _, e := range edges {
		rate := rateFor[e.Level]
		amount, ok := money.Percent(base, rate)
		if !ok {
			return fmt.Errorf("referral: invalid rate %q for level %d", rate, e.Level)
		}
		if !money.IsPositive(amount) {
			continue
		}

		earning := &Earning{
			ID:            idgen.WithPrefix("ref_"),
			ReferrerID:    e.ReferrerID,
			SourceProfile: sourceProfile,
			SourceEventID: sourceEventID,
			Level:         e.Level,
			Rate:          rate,
			Amount:        money.Format(amount),
			CreatedAt:     time.Now(),
		}
		inserted, err := s.store.CreateEarning(ctx, earning)
		if err != nil {
			return err
		}
		if !inserted {
			continue // already paid for this event
		}

		if err := s.balances.Credit(ctx, e.ReferrerID, currency, earning.Amount, "referral", sourceEventID); err != nil {
			s.logger.Error("CRITICAL: referral earning recorded but credit failed",
				"referrer", e.ReferrerID, "event", sourceEventID, "amount", earning.Amount, "error", err)
			return fmt.Errorf("referral earning recorded but credit failed: %w", err)
		}
	}
	return nil
}

// ListEarnings returns a referrer's commission history.
func (s *Service) ListEarnings(ctx context.Context, referrerID int64, limit int) ([]*Earning, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListEarnings(ctx, referrerID, limit)
}
