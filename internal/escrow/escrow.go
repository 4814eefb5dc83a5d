// Package escrow implements the custody state machine for marketplace
// sales.
//
// Flow:
//  1. Seller lists a sale → transaction created (pending_payment, unclaimed)
//  2. Buyer claims the listing → 1h payment window starts
//  3. Payment observed (on-chain via reconciler, or from ledger balance)
//     → payment_received
//  4. Seller ships → item_sent
//  5. Buyer confirms → completed, seller credited seller_receives
//  6. Either party may dispute from payment_received/item_sent; the
//     operator resolves to completed or cancelled
package escrow

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
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrStatusConflict      = errors.New("transaction status changed concurrently")
	ErrUnauthorized        = errors.New("not authorized for this operation")
	ErrAlreadyClaimed      = errors.New("listing is claimed by another buyer")
	ErrDuplicateRef        = errors.New("on-chain transfer already recorded")
)

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusPendingPayment  Status = "pending_payment"
	StatusPaymentReceived Status = "payment_received"
	StatusItemSent        Status = "item_sent"
	StatusCompleted       Status = "completed"
	StatusDisputed        Status = "disputed"
	StatusCancelled       Status = "cancelled"
)

// ClaimWindow is the exclusivity window a buyer gets after claiming.
const ClaimWindow = time.Hour

// transitions is the closed transition table. Anything not listed here is
// rejected before any mutation happens.
var transitions = map[Status][]Status{
	StatusPendingPayment:  {StatusPaymentReceived, StatusCancelled},
	StatusPaymentReceived: {StatusItemSent, StatusDisputed},
	StatusItemSent:        {StatusCompleted, StatusDisputed},
	StatusDisputed:        {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PreconditionError reports an action attempted against the wrong status.
// It names the current status, per the error contract for counterparties.
type PreconditionError struct {
	Op      string
	Current Status
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("escrow: cannot %s while transaction is %s", e.Op, e.Current)
}

// Transaction is the unit of custody, retained forever for audit.
type Transaction struct {
	ID              string           `json:"id"`
	ProductID       string           `json:"productId"`
	SellerID        int64            `json:"sellerId"`
	BuyerID         *int64           `json:"buyerId,omitempty"`
	Amount          string           `json:"amount"`
	Currency        profile.Currency `json:"currency"`
	Commission      string           `json:"commission"`
	SellerReceives  string           `json:"sellerReceives"`
	UniqueLink      string           `json:"uniqueLink"`
	Status          Status           `json:"status"`
	ExpiresAt       *time.Time       `json:"expiresAt,omitempty"`
	OnChainRef      *string          `json:"onChainRef,omitempty"`
	PaidFromBalance bool             `json:"paidFromBalance"`
	DisputeReason   string           `json:"disputeReason,omitempty"`
	Resolution      string           `json:"resolution,omitempty"`
	PaidAt          *time.Time       `json:"paidAt,omitempty"`
	SentAt          *time.Time       `json:"sentAt,omitempty"`
	ResolvedAt      *time.Time       `json:"resolvedAt,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Claimed reports whether an unexpired buyer claim is in effect at t.
func (tx *Transaction) Claimed(t time.Time) bool {
	return tx.BuyerID != nil && tx.ExpiresAt != nil && t.Before(*tx.ExpiresAt)
}

// Store persists escrow transactions.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByLink(ctx context.Context, link string) (*Transaction, error)
	// Bind atomically attaches a buyer to an unclaimed (or claim-expired)
	// pending_payment transaction. Returns ErrStatusConflict if another
	// buyer holds the claim.
	Bind(ctx context.Context, id string, buyerID int64, expiresAt time.Time) error
	// Update writes the transaction's mutable fields guarded by the
	// expected prior status (optimistic concurrency). Returns
	// ErrStatusConflict if the row no longer has that status, and
	// ErrDuplicateRef if the on-chain reference is already recorded.
	Update(ctx context.Context, tx *Transaction, expected Status) error
	ListByProfile(ctx context.Context, profileID int64, limit int) ([]*Transaction, error)
	// ListExpiredPending returns claimed pending_payment transactions
	// whose payment window closed before the given time.
	ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
	// RefExists reports whether an on-chain reference is already recorded
	// on any transaction (part of the reconciler's idempotency gate).
	RefExists(ctx context.Context, ref string) (bool, error)
}

// BalanceMover mutates profile balances. Declared here so escrow doesn't
// import the profile service.
type BalanceMover interface {
	Credit(ctx context.Context, id int64, currency profile.Currency, amount, entryType, reference string) error
	Debit(ctx context.Context, id int64, currency profile.Currency, amount, entryType, reference string) error
}

// RateProvider supplies the platform commission rate.
type RateProvider interface {
	CommissionRate(ctx context.Context) (string, error)
}

// Notifier delivers best-effort status updates. Failures never affect
// committed state.
type Notifier interface {
	Notify(ctx context.Context, profileID int64, message string)
}

// Service implements the escrow state machine.
type Service struct {
	store    Store
	balances BalanceMover
	rates    RateProvider
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store, balances BalanceMover, rates RateProvider, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		balances: balances,
		rates:    rates,
		logger:   logger,
	}
}

// WithNotifier adds best-effort counterparty notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// CreateSale opens an unclaimed escrow transaction for a product.
// Commission is fixed here, at listing time: seller_receives never changes
// afterwards even if the operator later adjusts the rate.
func (s *Service) CreateSale(ctx context.Context, sellerID int64, productID, price string, currency profile.Currency) (*Transaction, error) {
	amount, ok := money.Parse(price)
	if !ok || !money.IsPositive(amount) {
		return nil, fmt.Errorf("escrow: invalid sale amount %q", price)
	}

	rate, err := s.rates.CommissionRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read commission rate: %w", err)
	}
	commission, ok := money.Percent(amount, rate)
	if !ok {
		return nil, fmt.Errorf("escrow: invalid commission rate %q", rate)
	}
	receives := new(big.Int).Sub(amount, commission)

	now := time.Now()
	tx := &Transaction{
		ID:             idgen.WithPrefix("tx_"),
		ProductID:      productID,
		SellerID:       sellerID,
		Amount:         money.Format(amount),
		Currency:       currency,
		Commission:     money.Format(commission),
		SellerReceives: money.Format(receives),
		UniqueLink:     idgen.Hex(8),
		Status:         StatusPendingPayment,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return tx, nil
}

// Claim binds a buyer to an unclaimed listing and starts the payment
// window. If a previous claim expired without payment, that transaction is
// cancelled and a fresh one (with a fresh memo link) is opened, so a late
// payment against the old link can never credit the new buyer.
func (s *Service) Claim(ctx context.Context, tx *Transaction, buyerID int64) (*Transaction, error) {
	if tx.Status != StatusPendingPayment {
		return nil, &PreconditionError{Op: "claim", Current: tx.Status}
	}
	if tx.SellerID == buyerID {
		return nil, errors.New("seller cannot claim their own listing")
	}

	now := time.Now()
	if tx.Claimed(now) {
		if *tx.BuyerID == buyerID {
			return tx, nil // idempotent re-claim by the same buyer
		}
		return nil, ErrAlreadyClaimed
	}

	if tx.BuyerID == nil {
		deadline := now.Add(ClaimWindow)
		if err := s.store.Bind(ctx, tx.ID, buyerID, deadline); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return nil, ErrAlreadyClaimed
			}
			return nil, err
		}
		bound := *tx
		bound.BuyerID = &buyerID
		bound.ExpiresAt = &deadline
		bound.UpdatedAt = now
		return &bound, nil
	}

	// Previous claim expired: retire this transaction and open a fresh one.
	if _, err := s.cancel(ctx, tx, "claim_expired"); err != nil && !errors.Is(err, ErrStatusConflict) {
		return nil, err
	}
	fresh, err := s.CreateSale(ctx, tx.SellerID, tx.ProductID, tx.Amount, tx.Currency)
	if err != nil {
		return nil, err
	}
	return s.Claim(ctx, fresh, buyerID)
}

// ClaimByLink resolves the listing link and claims it.
func (s *Service) ClaimByLink(ctx context.Context, link string, buyerID int64) (*Transaction, error) {
	tx, err := s.store.GetByLink(ctx, link)
	if err != nil {
		return nil, err
	}
	return s.Claim(ctx, tx, buyerID)
}

// PayFromBalance settles a claimed transaction from the buyer's ledger
// balance instead of an on-chain transfer. The debit is atomic; if the
// status transition then loses a race, the debit is compensated.
func (s *Service) PayFromBalance(ctx context.Context, id string, buyerID int64) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.BuyerID == nil || *tx.BuyerID != buyerID {
		return nil, ErrUnauthorized
	}
	if tx.Status != StatusPendingPayment {
		return nil, &PreconditionError{Op: "pay", Current: tx.Status}
	}
	if tx.ExpiresAt == nil || time.Now().After(*tx.ExpiresAt) {
		return nil, &PreconditionError{Op: "pay", Current: tx.Status}
	}

	if err := s.balances.Debit(ctx, buyerID, tx.Currency, tx.Amount, "sale_payment", tx.ID); err != nil {
		return nil, err
	}

	now := time.Now()
	tx.Status = StatusPaymentReceived
	tx.PaidFromBalance = true
	tx.PaidAt = &now
	tx.UpdatedAt = now
	if err := s.store.Update(ctx, tx, StatusPendingPayment); err != nil {
		// Lost the race (expiry sweep or a concurrent payment): return
		// the buyer's money.
		if refundErr := s.balances.Credit(ctx, buyerID, tx.Currency, tx.Amount, "sale_refund", tx.ID); refundErr != nil {
			s.logger.Error("CRITICAL: balance payment debited but transaction update and refund both failed",
				"txId", tx.ID, "buyer", buyerID, "error", refundErr)
		}
		return nil, err
	}

	s.notifyParties(ctx, tx, "payment received")
	return tx, nil
}

// MarkPaymentReceived records an observed on-chain payment. Called only by
// the reconciler; the unique on_chain_ref constraint makes replays no-ops.
func (s *Service) MarkPaymentReceived(ctx context.Context, id, onChainRef string) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPendingPayment {
		return nil, &PreconditionError{Op: "record payment", Current: tx.Status}
	}

	now := time.Now()
	tx.Status = StatusPaymentReceived
	tx.OnChainRef = &onChainRef
	tx.PaidAt = &now
	tx.UpdatedAt = now
	if err := s.store.Update(ctx, tx, StatusPendingPayment); err != nil {
		return nil, err
	}

	s.notifyParties(ctx, tx, "payment received")
	return tx, nil
}

// MarkItemSent records shipment. Seller only, from payment_received.
func (s *Service) MarkItemSent(ctx context.Context, id string, actorID int64) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.SellerID != actorID {
		return nil, ErrUnauthorized
	}
	if tx.Status != StatusPaymentReceived {
		return nil, &PreconditionError{Op: "mark item sent", Current: tx.Status}
	}

	now := time.Now()
	tx.Status = StatusItemSent
	tx.SentAt = &now
	tx.UpdatedAt = now
	if err := s.store.Update(ctx, tx, StatusPaymentReceived); err != nil {
		return nil, err
	}

	if tx.BuyerID != nil && s.notifier != nil {
		s.notifier.Notify(ctx, *tx.BuyerID, "item sent")
	}
	return tx, nil
}

// ConfirmReceived completes the sale. Buyer only, from item_sent. The
// status transition is the concurrency gate: of two racing confirmations
// exactly one wins, so the seller is credited exactly once.
func (s *Service) ConfirmReceived(ctx context.Context, id string, actorID int64) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.BuyerID == nil || *tx.BuyerID != actorID {
		return nil, ErrUnauthorized
	}
	if tx.Status != StatusItemSent {
		return nil, &PreconditionError{Op: "confirm receipt", Current: tx.Status}
	}
	return s.complete(ctx, tx, StatusItemSent, "buyer_confirmed")
}

// RaiseDispute freezes the transaction for operator resolution. Buyer or
// seller, from payment_received or item_sent.
func (s *Service) RaiseDispute(ctx context.Context, id string, actorID int64, reason string) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	isParty := tx.SellerID == actorID || (tx.BuyerID != nil && *tx.BuyerID == actorID)
	if !isParty {
		return nil, ErrUnauthorized
	}
	if tx.Status != StatusPaymentReceived && tx.Status != StatusItemSent {
		return nil, &PreconditionError{Op: "dispute", Current: tx.Status}
	}

	prev := tx.Status
	tx.Status = StatusDisputed
	tx.DisputeReason = reason
	tx.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, tx, prev); err != nil {
		return nil, err
	}

	s.notifyParties(ctx, tx, "dispute opened")
	return tx, nil
}

// ResolveDispute is operator-only (enforced at the API boundary). Outcome
// completed pays the seller exactly as ConfirmReceived would; outcome
// cancelled refunds the buyer's balance when the sale was paid from
// balance (on-chain payments are returned manually by the operator).
func (s *Service) ResolveDispute(ctx context.Context, id string, outcome Status, note string) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusDisputed {
		return nil, &PreconditionError{Op: "resolve dispute", Current: tx.Status}
	}

	switch outcome {
	case StatusCompleted:
		return s.complete(ctx, tx, StatusDisputed, "dispute_seller")
	case StatusCancelled:
		resolved, err := s.cancel(ctx, tx, "dispute_buyer")
		if err != nil {
			return nil, err
		}
		if tx.PaidFromBalance && tx.BuyerID != nil {
			if err := s.balances.Credit(ctx, *tx.BuyerID, tx.Currency, tx.Amount, "sale_refund", tx.ID); err != nil {
				s.logger.Error("CRITICAL: dispute cancelled but buyer refund failed",
					"txId", tx.ID, "buyer", *tx.BuyerID, "error", err)
			}
		}
		s.notifyParties(ctx, resolved, "dispute resolved: "+note)
		return resolved, nil
	default:
		return nil, fmt.Errorf("escrow: invalid dispute outcome %q", outcome)
	}
}

// WithdrawListing cancels an unclaimed listing. Seller only.
func (s *Service) WithdrawListing(ctx context.Context, id string, actorID int64) (*Transaction, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.SellerID != actorID {
		return nil, ErrUnauthorized
	}
	if tx.Status != StatusPendingPayment || tx.Claimed(time.Now()) {
		return nil, &PreconditionError{Op: "withdraw listing", Current: tx.Status}
	}
	return s.cancel(ctx, tx, "seller_withdrawn")
}

// Expire cancels a pending_payment transaction past its deadline. Called
// by the reconciler's expiry sweep.
func (s *Service) Expire(ctx context.Context, tx *Transaction) (*Transaction, error) {
	if tx.Status != StatusPendingPayment {
		return nil, &PreconditionError{Op: "expire", Current: tx.Status}
	}
	if tx.ExpiresAt == nil || time.Now().Before(*tx.ExpiresAt) {
		return nil, &PreconditionError{Op: "expire", Current: tx.Status}
	}
	cancelled, err := s.cancel(ctx, tx, "payment_window_expired")
	if err != nil {
		return nil, err
	}
	s.notifyParties(ctx, cancelled, "listing expired without payment")
	return cancelled, nil
}

// SweepExpired cancels claimed transactions whose payment window closed.
// Returns the number swept; individual failures are logged and skipped so
// one bad row never stalls the sweep.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	stale, err := s.store.ListExpiredPending(ctx, time.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired transactions: %w", err)
	}

	swept := 0
	for _, tx := range stale {
		if _, err := s.Expire(ctx, tx); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				continue // paid or cancelled since listing
			}
			s.logger.Warn("failed to expire transaction", "txId", tx.ID, "error", err)
			continue
		}
		swept++
	}
	return swept, nil
}

// complete transitions to completed and credits the seller. The CAS comes
// first; only the winner credits.
func (s *Service) complete(ctx context.Context, tx *Transaction, from Status, resolution string) (*Transaction, error) {
	now := time.Now()
	tx.Status = StatusCompleted
	tx.Resolution = resolution
	tx.ResolvedAt = &now
	tx.UpdatedAt = now
	if err := s.store.Update(ctx, tx, from); err != nil {
		return nil, err
	}

	if err := s.balances.Credit(ctx, tx.SellerID, tx.Currency, tx.SellerReceives, "sale", tx.ID); err != nil {
		// The transaction is completed but the seller credit failed.
		// There is no safe inverse; surface for manual resolution.
		s.logger.Error("CRITICAL: sale completed but seller credit failed",
			"txId", tx.ID, "seller", tx.SellerID, "amount", tx.SellerReceives, "error", err)
		return nil, fmt.Errorf("sale completed but seller credit failed (requires manual resolution): %w", err)
	}

	s.notifyParties(ctx, tx, "sale completed")
	return tx, nil
}

func (s *Service) cancel(ctx context.Context, tx *Transaction, resolution string) (*Transaction, error) {
	from := tx.Status
	now := time.Now()
	tx.Status = StatusCancelled
	tx.Resolution = resolution
	tx.ResolvedAt = &now
	tx.UpdatedAt = now
	if err := s.store.Update(ctx, tx, from); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Service) notifyParties(ctx context.Context, tx *Transaction, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, tx.SellerID, message)
	if tx.BuyerID != nil {
		s.notifier.Notify(ctx, *tx.BuyerID, message)
	}
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// GetByLink returns a transaction by its memo link.
func (s *Service) GetByLink(ctx context.Context, link string) (*Transaction, error) {
	return s.store.GetByLink(ctx, link)
}

// ListByProfile returns transactions where the profile is buyer or seller.
func (s *Service) ListByProfile(ctx context.Context, profileID int64, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByProfile(ctx, profileID, limit)
}
