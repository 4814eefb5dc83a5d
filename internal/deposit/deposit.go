// Package deposit manages balance top-up requests.
//
// A deposit reserves a unique memo code. On-chain deposits are settled by
// the reconciler when a transfer carrying the code arrives; the profile is
// credited with the observed amount, not the requested one. Manual
// deposits (the fiat path) are settled by operator approval.
package deposit

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

var (
	ErrDepositNotFound = errors.New("deposit not found")
	ErrNotPending      = errors.New("deposit is not pending")
	ErrDuplicateRef    = errors.New("on-chain transfer already recorded")
)

// Status represents the state of a deposit request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
	StatusRejected  Status = "rejected"
)

// Method is how the deposit is settled.
type Method string

const (
	MethodOnChain Method = "on_chain"
	MethodManual  Method = "manual"
)

// Settlement windows. A transfer arriving after the window is routed to
// the unmatched queue instead of being credited.
const (
	OnChainWindow = 30 * time.Minute
	ManualWindow  = time.Hour
)

// CodeLength is the length of the uppercase alphanumeric memo code.
const CodeLength = 6

// Deposit is a top-up request.
type Deposit struct {
	ID             string           `json:"id"`
	ProfileID      int64            `json:"profileId"`
	Amount         string           `json:"amount"`
	Currency       profile.Currency `json:"currency"`
	UniqueCode     string           `json:"uniqueCode"`
	Method         Method           `json:"method"`
	Status         Status           `json:"status"`
	OnChainRef     *string          `json:"onChainRef,omitempty"`
	CreditedAmount string           `json:"creditedAmount,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	ExpiresAt      time.Time        `json:"expiresAt"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Store persists deposits.
type Store interface {
	Create(ctx context.Context, d *Deposit) error
	Get(ctx context.Context, id string) (*Deposit, error)
	// GetPendingByCode resolves a memo code to its pending deposit.
	GetPendingByCode(ctx context.Context, code string) (*Deposit, error)
	// Update writes mutable fields guarded by the expected prior status.
	// Returns ErrNotPending on a lost race and ErrDuplicateRef if the
	// on-chain reference is already recorded.
	Update(ctx context.Context, d *Deposit, expected Status) error
	ListByProfile(ctx context.Context, profileID int64, limit int) ([]*Deposit, error)
	ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Deposit, error)
	RefExists(ctx context.Context, ref string) (bool, error)
}

// BalanceCreditor credits profile balances.
type BalanceCreditor interface {
	Credit(ctx context.Context, id int64, currency profile.Currency, amount, entryType, reference string) error
}

// Notifier delivers best-effort status updates.
type Notifier interface {
	Notify(ctx context.Context, profileID int64, message string)
}

// Service implements deposit business logic.
type Service struct {
	store    Store
	balances BalanceCreditor
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a new deposit service.
func NewService(store Store, balances BalanceCreditor, logger *slog.Logger) *Service {
	return &Service{store: store, balances: balances, logger: logger}
}

// WithNotifier adds best-effort notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create opens a deposit request and reserves a memo code.
func (s *Service) Create(ctx context.Context, profileID int64, amount string, currency profile.Currency, method Method) (*Deposit, error) {
	v, ok := money.Parse(amount)
	if !ok || !money.IsPositive(v) {
		return nil, fmt.Errorf("deposit: invalid amount %q", amount)
	}
	if method != MethodOnChain && method != MethodManual {
		return nil, fmt.Errorf("deposit: invalid method %q", method)
	}

	window := OnChainWindow
	if method == MethodManual {
		window = ManualWindow
	}

	now := time.Now()
	d := &Deposit{
		ID:         idgen.WithPrefix("dep_"),
		ProfileID:  profileID,
		Amount:     money.Format(v),
		Currency:   currency,
		UniqueCode: idgen.Code(CodeLength),
		Method:     method,
		Status:     StatusPending,
		ExpiresAt:  now.Add(window),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create deposit: %w", err)
	}
	return d, nil
}

// ConfirmOnChain settles a pending deposit against an observed transfer.
// Called only by the reconciler. The profile is credited with the observed
// amount; the requested amount is advisory. The unique on_chain_ref
// constraint makes replays no-ops.
func (s *Service) ConfirmOnChain(ctx context.Context, id, onChainRef, observedAmount string) (*Deposit, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusPending {
		return nil, ErrNotPending
	}
	v, ok := money.Parse(observedAmount)
	if !ok || !money.IsPositive(v) {
		return nil, fmt.Errorf("deposit: invalid observed amount %q", observedAmount)
	}

	now := time.Now()
	d.Status = StatusConfirmed
	d.OnChainRef = &onChainRef
	d.CreditedAmount = money.Format(v)
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d, StatusPending); err != nil {
		return nil, err
	}

	if err := s.balances.Credit(ctx, d.ProfileID, d.Currency, d.CreditedAmount, "deposit", d.ID); err != nil {
		s.logger.Error("CRITICAL: deposit confirmed but profile credit failed",
			"depositId", d.ID, "profile", d.ProfileID, "amount", d.CreditedAmount, "error", err)
		return nil, fmt.Errorf("deposit confirmed but credit failed (requires manual resolution): %w", err)
	}

	s.notify(ctx, d, "deposit confirmed: "+d.CreditedAmount)
	return d, nil
}

// ApproveManual settles a pending manual deposit. Operator only. The
// requested amount is credited as stated.
func (s *Service) ApproveManual(ctx context.Context, id, notes string) (*Deposit, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusPending {
		return nil, ErrNotPending
	}
	if d.Method != MethodManual {
		return nil, fmt.Errorf("deposit: %s is not a manual deposit", id)
	}

	d.Status = StatusConfirmed
	d.CreditedAmount = d.Amount
	d.Notes = notes
	d.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, d, StatusPending); err != nil {
		return nil, err
	}

	if err := s.balances.Credit(ctx, d.ProfileID, d.Currency, d.CreditedAmount, "deposit", d.ID); err != nil {
		s.logger.Error("CRITICAL: manual deposit approved but profile credit failed",
			"depositId", d.ID, "profile", d.ProfileID, "amount", d.CreditedAmount, "error", err)
		return nil, fmt.Errorf("deposit approved but credit failed (requires manual resolution): %w", err)
	}

	s.notify(ctx, d, "deposit approved: "+d.CreditedAmount)
	return d, nil
}

// Reject declines a pending deposit. Operator only.
func (s *Service) Reject(ctx context.Context, id, notes string) (*Deposit, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusPending {
		return nil, ErrNotPending
	}

	d.Status = StatusRejected
	d.Notes = notes
	d.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, d, StatusPending); err != nil {
		return nil, err
	}
	s.notify(ctx, d, "deposit rejected")
	return d, nil
}

// Expire marks a pending deposit past its window. Called by the
// reconciler's expiry sweep.
func (s *Service) Expire(ctx context.Context, d *Deposit) error {
	if d.Status != StatusPending || time.Now().Before(d.ExpiresAt) {
		return ErrNotPending
	}
	d.Status = StatusExpired
	d.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, d, StatusPending); err != nil {
		return err
	}
	s.notify(ctx, d, "deposit expired without payment")
	return nil
}

// SweepExpired marks pending deposits past their window. Returns the
// number swept.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	stale, err := s.store.ListExpiredPending(ctx, time.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired deposits: %w", err)
	}

	swept := 0
	for _, d := range stale {
		if err := s.Expire(ctx, d); err != nil {
			if errors.Is(err, ErrNotPending) {
				continue // confirmed or rejected since listing
			}
			s.logger.Warn("failed to expire deposit", "depositId", d.ID, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}

// Get returns a deposit by ID.
func (s *Service) Get(ctx context.Context, id string) (*Deposit, error) {
	return s.store.Get(ctx, id)
}

// GetPendingByCode resolves a memo code to its pending deposit.
func (s *Service) GetPendingByCode(ctx context.Context, code string) (*Deposit, error) {
	return s.store.GetPendingByCode(ctx, code)
}

// ListByProfile returns a profile's deposits.
func (s *Service) ListByProfile(ctx context.Context, profileID int64, limit int) ([]*Deposit, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByProfile(ctx, profileID, limit)
}

func (s *Service) notify(ctx context.Context, d *Deposit, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, d.ProfileID, message)
}
