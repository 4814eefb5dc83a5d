// Package reconciler matches observed on-chain transfers to pending
// escrow transactions and deposits.
//
// Each run scans new blocks behind a confirmation margin, settles
// recognizable transfers exactly once, routes everything else to the
// unmatched queue for operator review, and sweeps expired payment
// windows. Replays are harmless: the on-chain reference uniqueness across
// transactions and deposits is the idempotency gate.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mercatod/mercato/internal/chain"
	"github.com/mercatod/mercato/internal/deposit"
	"github.com/mercatod/mercato/internal/escrow"
	"github.com/mercatod/mercato/internal/metrics"
	"github.com/mercatod/mercato/internal/money"
	"github.com/mercatod/mercato/internal/walletkey"
)

// Memo prefixes carried in transfer calldata.
const (
	MemoPrefixSale    = "tx_"
	MemoPrefixDeposit = "dep_"
)

// Unmatched reasons.
const (
	ReasonUnknownMemo    = "unknown_memo"
	ReasonLatePayment    = "late_payment"
	ReasonAmountMismatch = "amount_mismatch"
	ReasonBelowDust      = "below_dust"
)

// Unmatched is a transfer that could not be settled automatically. It
// sits in a review queue; the operator resolves it by hand.
type Unmatched struct {
	ID         int64     `json:"id"`
	OnChainRef string    `json:"onChainRef"`
	FromAddr   string    `json:"fromAddr"`
	Amount     string    `json:"amount"`
	Memo       string    `json:"memo,omitempty"`
	Reason     string    `json:"reason"`
	Block      uint64    `json:"block"`
	Reviewed   bool      `json:"reviewed"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists the scan cursor and the unmatched queue.
type Store interface {
	// Cursor returns the last fully processed block, 0 if never set.
	Cursor(ctx context.Context) (uint64, error)
	SetCursor(ctx context.Context, block uint64) error
	// RecordUnmatched inserts an unmatched transfer once per on-chain
	// reference. Returns false if it was already recorded.
	RecordUnmatched(ctx context.Context, u *Unmatched) (bool, error)
	ListUnmatched(ctx context.Context, limit int) ([]*Unmatched, error)
	MarkReviewed(ctx context.Context, id int64, notes string) error
}

// TransferSource reads the chain.
type TransferSource interface {
	Head(ctx context.Context) (uint64, error)
	ScanBlocks(ctx context.Context, from, to uint64, watch common.Address) ([]*chain.Transfer, error)
}

// KeyLoader resolves the custody wallet (for its address).
type KeyLoader interface {
	Load(ctx context.Context) (*walletkey.Key, error)
}

// SaleSettler is the slice of the escrow service the reconciler needs.
type SaleSettler interface {
	GetByLink(ctx context.Context, link string) (*escrow.Transaction, error)
	MarkPaymentReceived(ctx context.Context, id, onChainRef string) (*escrow.Transaction, error)
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// DepositSettler is the slice of the deposit service the reconciler needs.
type DepositSettler interface {
	GetPendingByCode(ctx context.Context, code string) (*deposit.Deposit, error)
	ConfirmOnChain(ctx context.Context, id, onChainRef, observedAmount string) (*deposit.Deposit, error)
	SweepExpired(ctx context.Context, limit int) (int, error)
}

// RefChecker reports whether an on-chain reference was already settled.
type RefChecker interface {
	RefExists(ctx context.Context, ref string) (bool, error)
}

// Config tunes the reconciler.
type Config struct {
	// Confirmations is how many blocks behind head the scan stays.
	Confirmations uint64
	// MaxBlocksPerRun caps one run's scan range.
	MaxBlocksPerRun uint64
	// DustThreshold in minor units; smaller transfers are queued, not
	// settled.
	DustThreshold *big.Int
	// ToleranceFloor in minor units for escrow amount matching.
	ToleranceFloor *big.Int
	// SweepLimit bounds each expiry sweep.
	SweepLimit int
}

func (c *Config) withDefaults() {
	if c.Confirmations == 0 {
		c.Confirmations = 3
	}
	if c.MaxBlocksPerRun == 0 {
		c.MaxBlocksPerRun = 200
	}
	if c.DustThreshold == nil {
		c.DustThreshold = big.NewInt(10) // 0.0010
	}
	if c.ToleranceFloor == nil {
		c.ToleranceFloor = big.NewInt(500) // 0.0500
	}
	if c.SweepLimit == 0 {
		c.SweepLimit = 100
	}
}

// Service is the reconciliation engine.
type Service struct {
	cfg         Config
	store       Store
	source      TransferSource
	keys        KeyLoader
	sales       SaleSettler
	deposits    DepositSettler
	saleRefs    RefChecker
	depositRefs RefChecker
	logger      *slog.Logger
}

// NewService creates a reconciler.
func NewService(cfg Config, store Store, source TransferSource, keys KeyLoader,
	sales SaleSettler, deposits DepositSettler,
	saleRefs, depositRefs RefChecker, logger *slog.Logger) *Service {
	cfg.withDefaults()
	return &Service{
		cfg:         cfg,
		store:       store,
		source:      source,
		keys:        keys,
		sales:       sales,
		deposits:    deposits,
		saleRefs:    saleRefs,
		depositRefs: depositRefs,
		logger:      logger,
	}
}

// Run performs one reconciliation pass: scan, settle, sweep.
func (s *Service) Run(ctx context.Context) error {
	key, err := s.keys.Load(ctx)
	if err != nil {
		if errors.Is(err, walletkey.ErrNotConfigured) {
			s.logger.Warn("reconciler idle: custody wallet not configured")
			return nil
		}
		return fmt.Errorf("failed to load wallet key: %w", err)
	}

	head, err := s.source.Head(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	if head <= s.cfg.Confirmations {
		return nil
	}
	safe := head - s.cfg.Confirmations

	cursor, err := s.store.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("failed to read scan cursor: %w", err)
	}
	if cursor == 0 {
		// First run: start at the current head rather than replaying
		// chain history.
		return s.store.SetCursor(ctx, safe)
	}
	if cursor >= safe {
		return s.sweep(ctx)
	}

	from := cursor + 1
	to := safe
	if to-from+1 > s.cfg.MaxBlocksPerRun {
		to = from + s.cfg.MaxBlocksPerRun - 1
	}

	transfers, err := s.source.ScanBlocks(ctx, from, to, key.Address)
	if err != nil {
		return fmt.Errorf("failed to scan blocks %d-%d: %w", from, to, err)
	}

	for _, t := range transfers {
		if err := s.process(ctx, t); err != nil {
			// Leave the cursor where it is; the next run retries the
			// whole range and idempotency absorbs the replays.
			return fmt.Errorf("failed to process transfer %s: %w", t.Hash, err)
		}
	}

	if err := s.store.SetCursor(ctx, to); err != nil {
		return fmt.Errorf("failed to advance scan cursor: %w", err)
	}
	metrics.ReconcilerBlocksScanned.Add(float64(to - from + 1))

	return s.sweep(ctx)
}

func (s *Service) process(ctx context.Context, t *chain.Transfer) error {
	if t.Amount.Cmp(s.cfg.DustThreshold) < 0 {
		s.logger.Debug("ignoring dust transfer", "ref", t.Hash, "amount", money.Format(t.Amount))
		return nil
	}

	// Idempotency gate: a reference settled on either side is done.
	for _, refs := range []RefChecker{s.saleRefs, s.depositRefs} {
		seen, err := refs.RefExists(ctx, t.Hash)
		if err != nil {
			return err
		}
		if seen {
			metrics.ReconcilerReplaysSkipped.Inc()
			return nil
		}
	}

	switch {
	case strings.HasPrefix(t.Memo, MemoPrefixSale):
		return s.settleSale(ctx, t, strings.TrimPrefix(t.Memo, MemoPrefixSale))
	case strings.HasPrefix(t.Memo, MemoPrefixDeposit):
		return s.settleDeposit(ctx, t, strings.TrimPrefix(t.Memo, MemoPrefixDeposit))
	default:
		return s.queueUnmatched(ctx, t, ReasonUnknownMemo)
	}
}

func (s *Service) settleSale(ctx context.Context, t *chain.Transfer, link string) error {
	tx, err := s.sales.GetByLink(ctx, link)
	if err != nil {
		if errors.Is(err, escrow.ErrTransactionNotFound) {
			return s.queueUnmatched(ctx, t, ReasonUnknownMemo)
		}
		return err
	}

	now := time.Now()
	if tx.Status != escrow.StatusPendingPayment || !tx.Claimed(now) {
		// Cancelled, already paid, or the window closed. Never credit a
		// late payment: the listing may belong to a new buyer by now.
		return s.queueUnmatched(ctx, t, ReasonLatePayment)
	}

	expected, ok := money.Parse(tx.Amount)
	if !ok {
		return fmt.Errorf("corrupt amount %q on transaction %s", tx.Amount, tx.ID)
	}
	tol := money.Tolerance(expected, s.cfg.ToleranceFloor)
	if !money.WithinTolerance(t.Amount, expected, tol) {
		return s.queueUnmatched(ctx, t, ReasonAmountMismatch)
	}

	if _, err := s.sales.MarkPaymentReceived(ctx, tx.ID, t.Hash); err != nil {
		if errors.Is(err, escrow.ErrDuplicateRef) || errors.Is(err, escrow.ErrStatusConflict) {
			metrics.ReconcilerReplaysSkipped.Inc()
			return nil
		}
		return err
	}
	metrics.ReconcilerSalesSettled.Inc()
	s.logger.Info("sale payment settled", "txId", tx.ID, "ref", t.Hash, "amount", money.Format(t.Amount))
	return nil
}

func (s *Service) settleDeposit(ctx context.Context, t *chain.Transfer, code string) error {
	d, err := s.deposits.GetPendingByCode(ctx, code)
	if err != nil {
		if errors.Is(err, deposit.ErrDepositNotFound) {
			return s.queueUnmatched(ctx, t, ReasonUnknownMemo)
		}
		return err
	}
	if time.Now().After(d.ExpiresAt) {
		return s.queueUnmatched(ctx, t, ReasonLatePayment)
	}

	if _, err := s.deposits.ConfirmOnChain(ctx, d.ID, t.Hash, money.Format(t.Amount)); err != nil {
		if errors.Is(err, deposit.ErrDuplicateRef) || errors.Is(err, deposit.ErrNotPending) {
			metrics.ReconcilerReplaysSkipped.Inc()
			return nil
		}
		return err
	}
	metrics.ReconcilerDepositsSettled.Inc()
	s.logger.Info("deposit settled", "depositId", d.ID, "ref", t.Hash, "amount", money.Format(t.Amount))
	return nil
}

func (s *Service) queueUnmatched(ctx context.Context, t *chain.Transfer, reason string) error {
	inserted, err := s.store.RecordUnmatched(ctx, &Unmatched{
		OnChainRef: t.Hash,
		FromAddr:   t.From.Hex(),
		Amount:     money.Format(t.Amount),
		Memo:       t.Memo,
		Reason:     reason,
		Block:      t.Block,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return err
	}
	if inserted {
		metrics.ReconcilerUnmatched.Inc()
		s.logger.Warn("unmatched transfer queued for review",
			"ref", t.Hash, "reason", reason, "amount", money.Format(t.Amount), "memo", t.Memo)
	}
	return nil
}

func (s *Service) sweep(ctx context.Context) error {
	swept, err := s.sales.SweepExpired(ctx, s.cfg.SweepLimit)
	if err != nil {
		return fmt.Errorf("escrow expiry sweep failed: %w", err)
	}
	if swept > 0 {
		s.logger.Info("expired sale claims cancelled", "count", swept)
	}

	swept, err = s.deposits.SweepExpired(ctx, s.cfg.SweepLimit)
	if err != nil {
		return fmt.Errorf("deposit expiry sweep failed: %w", err)
	}
	if swept > 0 {
		s.logger.Info("expired deposits closed", "count", swept)
	}
	return nil
}

// ListUnmatched returns the review queue.
func (s *Service) ListUnmatched(ctx context.Context, limit int) ([]*Unmatched, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListUnmatched(ctx, limit)
}

// MarkReviewed closes an unmatched entry with an operator note.
func (s *Service) MarkReviewed(ctx context.Context, id int64, notes string) error {
	return s.store.MarkReviewed(ctx, id, notes)
}
