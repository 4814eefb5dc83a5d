// Package profile tracks marketplace participants and their custodial
// balances.
//
// A profile is created on first contact from the chat platform. Balances
// are mutated only by the escrow, reconciler, disburser, and referral
// components; presentation layers get read-only access.
package profile

import (
	"context"
	"errors"
	"time"

	"github.com/mercatod/mercato/internal/idgen"
	"github.com/mercatod/mercato/internal/money"
)

var (
	ErrProfileNotFound     = errors.New("profile not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrBlocked             = errors.New("profile is blocked")
	ErrAlreadyReferred     = errors.New("profile already has a referrer")
)

// Currency identifies which balance an operation touches.
type Currency string

const (
	// CurrencyCrypto is the primary, on-chain-settled currency.
	CurrencyCrypto Currency = "crypto"
	// CurrencyFiat is the secondary, off-chain currency.
	CurrencyFiat Currency = "fiat"
)

// Valid reports whether c is a known currency.
func (c Currency) Valid() bool {
	return c == CurrencyCrypto || c == CurrencyFiat
}

// Profile represents a marketplace participant.
type Profile struct {
	ID           int64      `json:"id"` // chat-platform user ID
	Username     string     `json:"username,omitempty"`
	Balance      string     `json:"balance"`          // primary currency
	BalanceFiat  string     `json:"balanceSecondary"` // secondary currency
	ReferralCode string     `json:"referralCode"`
	ReferredBy   *int64     `json:"referredBy,omitempty"`
	RatingSum    int64      `json:"ratingSum"`
	RatingCount  int64      `json:"ratingCount"`
	IsBlocked    bool       `json:"isBlocked"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Entry is an append-only balance mutation record.
type Entry struct {
	ID        string    `json:"id"`
	ProfileID int64     `json:"profileId"`
	Type      string    `json:"type"` // deposit, sale, refund, withdrawal, referral
	Currency  Currency  `json:"currency"`
	Amount    string    `json:"amount"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists profiles and balance entries.
type Store interface {
	Create(ctx context.Context, p *Profile) error
	Get(ctx context.Context, id int64) (*Profile, error)
	GetByReferralCode(ctx context.Context, code string) (*Profile, error)
	// Credit atomically adds amount to the profile's balance and records
	// an entry in the same transaction.
	Credit(ctx context.Context, id int64, currency Currency, amount, entryType, reference string) error
	// Debit atomically subtracts amount, failing with
	// ErrInsufficientBalance if the balance would go negative.
	Debit(ctx context.Context, id int64, currency Currency, amount, entryType, reference string) error
	SetReferredBy(ctx context.Context, id, referrerID int64) error
	SetBlocked(ctx context.Context, id int64, blocked bool) error
	History(ctx context.Context, id int64, limit int) ([]*Entry, error)
}

// ReferralLinker records referral edges at first contact. Declared here so
// profile doesn't import referral.
type ReferralLinker interface {
	Link(ctx context.Context, referrerID, referredID int64) error
}

// Service implements profile business logic.
type Service struct {
	store  Store
	linker ReferralLinker
}

// NewService creates a new profile service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithReferralLinker adds referral-edge creation on first contact.
func (s *Service) WithReferralLinker(l ReferralLinker) *Service {
	s.linker = l
	return s
}

// Ensure returns the profile for id, creating it on first contact. If
// refCode names another profile's referral code, the referral edges are
// recorded once; a profile can never change its referrer afterwards.
func (s *Service) Ensure(ctx context.Context, id int64, username, refCode string) (*Profile, error) {
	p, err := s.store.Get(ctx, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return nil, err
	}

	now := time.Now()
	p = &Profile{
		ID:           id,
		Username:     username,
		Balance:      "0",
		BalanceFiat:  "0",
		ReferralCode: idgen.Code(8),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}

	if refCode != "" {
		if err := s.claimReferral(ctx, p, refCode); err != nil {
			// Referral linkage is best-effort at signup; the profile
			// itself is already committed.
			return p, nil
		}
	}
	return p, nil
}

func (s *Service) claimReferral(ctx context.Context, p *Profile, refCode string) error {
	referrer, err := s.store.GetByReferralCode(ctx, refCode)
	if err != nil {
		return err
	}
	if referrer.ID == p.ID {
		return errors.New("cannot refer yourself")
	}
	if err := s.store.SetReferredBy(ctx, p.ID, referrer.ID); err != nil {
		return err
	}
	p.ReferredBy = &referrer.ID
	if s.linker != nil {
		return s.linker.Link(ctx, referrer.ID, p.ID)
	}
	return nil
}

// Get returns a profile by ID.
func (s *Service) Get(ctx context.Context, id int64) (*Profile, error) {
	return s.store.Get(ctx, id)
}

// RequireActive returns the profile or ErrBlocked.
func (s *Service) RequireActive(ctx context.Context, id int64) (*Profile, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.IsBlocked {
		return nil, ErrBlocked
	}
	return p, nil
}

// Credit adds amount to a balance after validating it.
func (s *Service) Credit(ctx context.Context, id int64, currency Currency, amount, entryType, reference string) error {
	if !currency.Valid() {
		return ErrInvalidAmount
	}
	v, ok := money.Parse(amount)
	if !ok || !money.IsPositive(v) {
		return ErrInvalidAmount
	}
	return s.store.Credit(ctx, id, currency, amount, entryType, reference)
}

// Debit removes amount from a balance after validating it.
func (s *Service) Debit(ctx context.Context, id int64, currency Currency, amount, entryType, reference string) error {
	if !currency.Valid() {
		return ErrInvalidAmount
	}
	v, ok := money.Parse(amount)
	if !ok || !money.IsPositive(v) {
		return ErrInvalidAmount
	}
	return s.store.Debit(ctx, id, currency, amount, entryType, reference)
}

// SetBlocked flips the blocked flag. Operator only.
func (s *Service) SetBlocked(ctx context.Context, id int64, blocked bool) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	return s.store.SetBlocked(ctx, id, blocked)
}

// History returns recent balance entries for a profile.
func (s *Service) History(ctx context.Context, id int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, id, limit)
}
