// Package withdrawal manages balance payout requests.
//
// A withdrawal is not debited at request time. The disburser claims an
// approved row (flipping it to in_flight, which makes double processing
// impossible), submits the transfer, and only then debits the full gross
// amount. In manual mode an operator approves each request; in auto mode
// requests are approved on creation.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mercatod/mercato/internal/idgen"
	"github.com/mercatod/mercato/internal/money"
	"github.com/mercatod/mercato/internal/profile"
	"github.com/mercatod/mercato/internal/settings"
)

var (
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrStatusConflict     = errors.New("withdrawal status changed concurrently")
	ErrBelowMinimum       = errors.New("amount below minimum withdrawal")
	ErrInsufficientFunds  = errors.New("insufficient balance for withdrawal")
)

// Status represents the state of a withdrawal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
)

// Withdrawal is a payout request. Amount is the gross amount deducted from
// the balance; NetAmount is what reaches the destination after the fee.
type Withdrawal struct {
	ID          string           `json:"id"`
	ProfileID   int64            `json:"profileId"`
	Amount      string           `json:"amount"`
	Currency    profile.Currency `json:"currency"`
	Destination string           `json:"destination"`
	Fee         string           `json:"fee,omitempty"`
	NetAmount   string           `json:"netAmount,omitempty"`
	Status      Status           `json:"status"`
	OnChainRef  *string          `json:"onChainRef,omitempty"`
	Notes       string           `json:"notes,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Store persists withdrawals.
type Store interface {
	Create(ctx context.Context, w *Withdrawal) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	// Update writes mutable fields guarded by the expected prior status.
	Update(ctx context.Context, w *Withdrawal, expected Status) error
	// ClaimApproved atomically flips up to limit approved withdrawals to
	// in_flight and returns them. Concurrent claimers never receive the
	// same row.
	ClaimApproved(ctx context.Context, limit int) ([]*Withdrawal, error)
	ListByProfile(ctx context.Context, profileID int64, limit int) ([]*Withdrawal, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error)
}

// ProfileReader reads profiles for request-time balance checks.
type ProfileReader interface {
	Get(ctx context.Context, id int64) (*profile.Profile, error)
}

// BalanceDebitor debits profile balances.
type BalanceDebitor interface {
	Debit(ctx context.Context, id int64, currency profile.Currency, amount, entryType, reference string) error
}

// Policy supplies the operator-tunable withdrawal settings.
type Policy interface {
	WithdrawalMode(ctx context.Context) (string, error)
	MinWithdrawalAmount(ctx context.Context) (string, error)
}

// Notifier delivers best-effort status updates.
type Notifier interface {
	Notify(ctx context.Context, profileID int64, message string)
}

// Service implements withdrawal business logic.
type Service struct {
	store    Store
	profiles ProfileReader
	balances BalanceDebitor
	policy   Policy
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a new withdrawal service.
func NewService(store Store, profiles ProfileReader, balances BalanceDebitor, policy Policy, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		profiles: profiles,
		balances: balances,
		policy:   policy,
		logger:   logger,
	}
}

// WithNotifier adds best-effort notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Request opens a withdrawal. The balance is checked but not debited; the
// debit happens when the disburser completes the payout. In auto mode the
// request is approved immediately.
func (s *Service) Request(ctx context.Context, profileID int64, amount string, currency profile.Currency, destination string) (*Withdrawal, error) {
	v, ok := money.Parse(amount)
	if !ok || !money.IsPositive(v) {
		return nil, fmt.Errorf("withdrawal: invalid amount %q", amount)
	}
	if destination == "" {
		return nil, errors.New("withdrawal: destination is required")
	}

	min, err := s.policy.MinWithdrawalAmount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read withdrawal policy: %w", err)
	}
	minV, ok := money.Parse(min)
	if ok && v.Cmp(minV) < 0 {
		return nil, ErrBelowMinimum
	}

	p, err := s.profiles.Get(ctx, profileID)
	if err != nil {
		return nil, err
	}
	if p.IsBlocked {
		return nil, profile.ErrBlocked
	}
	balance := p.Balance
	if currency == profile.CurrencyFiat {
		balance = p.BalanceFiat
	}
	have, ok := money.Parse(balance)
	if !ok || have.Cmp(v) < 0 {
		return nil, ErrInsufficientFunds
	}

	status := StatusPending
	mode, err := s.policy.WithdrawalMode(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read withdrawal mode: %w", err)
	}
	if mode == settings.ModeAuto {
		status = StatusApproved
	}

	now := time.Now()
	w := &Withdrawal{
		ID:          idgen.WithPrefix("wd_"),
		ProfileID:   profileID,
		Amount:      money.Format(v),
		Currency:    currency,
		Destination: destination,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to create withdrawal: %w", err)
	}
	return w, nil
}

// Approve moves a pending withdrawal into the disburser queue. Operator
// only.
func (s *Service) Approve(ctx context.Context, id string) (*Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusPending {
		return nil, ErrStatusConflict
	}
	w.Status = StatusApproved
	w.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, w, StatusPending); err != nil {
		return nil, err
	}
	return w, nil
}

// Reject declines a pending withdrawal. No funds move: nothing was
// debited at request time.
func (s *Service) Reject(ctx context.Context, id, notes string) (*Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusPending {
		return nil, ErrStatusConflict
	}
	w.Status = StatusRejected
	w.Notes = notes
	w.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, w, StatusPending); err != nil {
		return nil, err
	}
	s.notify(ctx, w, "withdrawal rejected")
	return w, nil
}

// ClaimBatch hands a batch of approved withdrawals to the disburser,
// marking them in_flight.
func (s *Service) ClaimBatch(ctx context.Context, limit int) ([]*Withdrawal, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.store.ClaimApproved(ctx, limit)
}

// Complete finalizes an in_flight withdrawal after the transfer was
// submitted: records fee and reference, debits the gross amount. The
// transfer is already on the wire, so a failed debit is surfaced loudly
// rather than rolled back.
func (s *Service) Complete(ctx context.Context, w *Withdrawal, onChainRef, fee string) (*Withdrawal, error) {
	if w.Status != StatusInFlight {
		return nil, ErrStatusConflict
	}
	gross, ok := money.Parse(w.Amount)
	if !ok {
		return nil, fmt.Errorf("withdrawal: corrupt amount %q", w.Amount)
	}
	feeV, ok := money.Parse(fee)
	if !ok {
		return nil, fmt.Errorf("withdrawal: invalid fee %q", fee)
	}
	net := new(big.Int).Sub(gross, feeV)

	now := time.Now()
	w.Status = StatusCompleted
	w.OnChainRef = &onChainRef
	w.Fee = money.Format(feeV)
	w.NetAmount = money.Format(net)
	w.UpdatedAt = now
	if err := s.store.Update(ctx, w, StatusInFlight); err != nil {
		return nil, err
	}

	if err := s.balances.Debit(ctx, w.ProfileID, w.Currency, w.Amount, "withdrawal", w.ID); err != nil {
		s.logger.Error("CRITICAL: withdrawal sent but balance debit failed",
			"withdrawalId", w.ID, "profile", w.ProfileID, "amount", w.Amount, "error", err)
		return nil, fmt.Errorf("withdrawal sent but debit failed (requires manual resolution): %w", err)
	}

	s.notify(ctx, w, "withdrawal sent: "+w.NetAmount)
	return w, nil
}

// CompleteManual settles a pending withdrawal the operator paid out
// off-chain (the fiat path). The reference is whatever identifies the
// external payment.
func (s *Service) CompleteManual(ctx context.Context, id, reference string) (*Withdrawal, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusPending {
		return nil, ErrStatusConflict
	}

	now := time.Now()
	w.Status = StatusCompleted
	w.OnChainRef = &reference
	w.Fee = "0.0000"
	w.NetAmount = w.Amount
	w.UpdatedAt = now
	if err := s.store.Update(ctx, w, StatusPending); err != nil {
		return nil, err
	}

	if err := s.balances.Debit(ctx, w.ProfileID, w.Currency, w.Amount, "withdrawal", w.ID); err != nil {
		s.logger.Error("CRITICAL: manual withdrawal settled but balance debit failed",
			"withdrawalId", w.ID, "profile", w.ProfileID, "amount", w.Amount, "error", err)
		return nil, fmt.Errorf("withdrawal settled but debit failed (requires manual resolution): %w", err)
	}

	s.notify(ctx, w, "withdrawal sent: "+w.NetAmount)
	return w, nil
}

// Fail returns an in_flight withdrawal to the approved queue with a
// note, so the next disburser run retries it. Nothing was debited, so
// no compensation is needed.
func (s *Service) Fail(ctx context.Context, w *Withdrawal, notes string) error {
	if w.Status != StatusInFlight {
		return ErrStatusConflict
	}
	w.Status = StatusApproved
	w.Notes = notes
	w.UpdatedAt = time.Now()
	return s.store.Update(ctx, w, StatusInFlight)
}

// Park takes an in_flight withdrawal out of the automatic retry queue.
// The row returns to pending with the reason in notes and waits for an
// operator. Used for conditions a retry cannot fix, like an invalid
// destination address.
func (s *Service) Park(ctx context.Context, w *Withdrawal, notes string) error {
	if w.Status != StatusInFlight {
		return ErrStatusConflict
	}
	w.Status = StatusPending
	w.Notes = notes
	w.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, w, StatusInFlight); err != nil {
		return err
	}
	s.notify(ctx, w, "withdrawal needs attention: "+notes)
	return nil
}

// VerifyFunds re-checks that the profile balance still covers the gross
// amount. Nothing is debited until completion, so the balance can drop
// between approval and payout.
func (s *Service) VerifyFunds(ctx context.Context, w *Withdrawal) error {
	v, ok := money.Parse(w.Amount)
	if !ok {
		return fmt.Errorf("withdrawal: corrupt amount %q", w.Amount)
	}
	p, err := s.profiles.Get(ctx, w.ProfileID)
	if err != nil {
		return err
	}
	balance := p.Balance
	if w.Currency == profile.CurrencyFiat {
		balance = p.BalanceFiat
	}
	have, ok := money.Parse(balance)
	if !ok || have.Cmp(v) < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// Get returns a withdrawal by ID.
func (s *Service) Get(ctx context.Context, id string) (*Withdrawal, error) {
	return s.store.Get(ctx, id)
}

// ListByProfile returns a profile's withdrawals.
func (s *Service) ListByProfile(ctx context.Context, profileID int64, limit int) ([]*Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByProfile(ctx, profileID, limit)
}

// ListPending returns withdrawals awaiting operator review.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, StatusPending, limit)
}

func (s *Service) notify(ctx context.Context, w *Withdrawal, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, w.ProfileID, message)
}
