// Package disburser pays out approved withdrawals from the custody
// wallet.
//
// Each run claims a batch (the claim flips rows to in_flight, so two
// runs can never pay the same withdrawal), checks wallet liquidity with
// a safety buffer, submits the transfer, and only then debits the
// profile. Referral commissions are awarded after a successful payout,
// keyed by withdrawal ID so retries pay once.
package disburser

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mercatod/mercato/internal/chain"
	"github.com/mercatod/mercato/internal/metrics"
	"github.com/mercatod/mercato/internal/money"
	"github.com/mercatod/mercato/internal/profile"
	"github.com/mercatod/mercato/internal/walletkey"
	"github.com/mercatod/mercato/internal/withdrawal"
)

// PayoutQueue is the slice of the withdrawal service the disburser needs.
// Fail requeues a withdrawal for the next run; Park hands it to an
// operator instead.
type PayoutQueue interface {
	ClaimBatch(ctx context.Context, limit int) ([]*withdrawal.Withdrawal, error)
	Complete(ctx context.Context, w *withdrawal.Withdrawal, onChainRef, fee string) (*withdrawal.Withdrawal, error)
	Fail(ctx context.Context, w *withdrawal.Withdrawal, notes string) error
	Park(ctx context.Context, w *withdrawal.Withdrawal, notes string) error
	VerifyFunds(ctx context.Context, w *withdrawal.Withdrawal) error
}

// Sender submits outbound transfers. Satisfied by *chain.Client.
type Sender interface {
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	SendTransfer(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int, memo string) (*chain.Outbound, error)
}

// KeyLoader resolves the custody wallet key.
type KeyLoader interface {
	Load(ctx context.Context) (*walletkey.Key, error)
}

// RateProvider supplies the withdrawal fee percent.
type RateProvider interface {
	CommissionRate(ctx context.Context) (string, error)
}

// Awarder pays referral commissions.
type Awarder interface {
	Award(ctx context.Context, sourceProfile int64, sourceEventID, baseAmount string, currency profile.Currency) error
}

// Config tunes the disburser.
type Config struct {
	// BatchSize caps withdrawals claimed per run.
	BatchSize int
	// SafetyBuffer in minor units kept in the wallet on top of each
	// payout, covering gas drift.
	SafetyBuffer *big.Int
}

func (c *Config) withDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.SafetyBuffer == nil {
		c.SafetyBuffer = big.NewInt(10_000) // 1.0000
	}
}

// Service is the payout engine.
type Service struct {
	cfg       Config
	queue     PayoutQueue
	sender    Sender
	keys      KeyLoader
	rates     RateProvider
	referrals Awarder
	logger    *slog.Logger
}

// NewService creates a disburser.
func NewService(cfg Config, queue PayoutQueue, sender Sender, keys KeyLoader,
	rates RateProvider, referrals Awarder, logger *slog.Logger) *Service {
	cfg.withDefaults()
	return &Service{
		cfg:       cfg,
		queue:     queue,
		sender:    sender,
		keys:      keys,
		rates:     rates,
		referrals: referrals,
		logger:    logger,
	}
}

// Run performs one payout pass. One bad withdrawal never stalls the
// batch: failures are returned to the queue with a note and the run
// moves on.
func (s *Service) Run(ctx context.Context) error {
	// Resolve the wallet before claiming anything, so a missing seed
	// leaves the queue untouched.
	key, err := s.keys.Load(ctx)
	if err != nil {
		if errors.Is(err, walletkey.ErrNotConfigured) {
			s.logger.Warn("disburser idle: custody wallet not configured")
			return nil
		}
		return fmt.Errorf("failed to load wallet key: %w", err)
	}

	rate, err := s.rates.CommissionRate(ctx)
	if err != nil {
		return fmt.Errorf("failed to read fee rate: %w", err)
	}

	batch, err := s.queue.ClaimBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim withdrawals: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	liquidity, err := s.sender.Balance(ctx, key.Address)
	if err != nil {
		// Can't see the wallet; put everything back.
		for _, w := range batch {
			if failErr := s.queue.Fail(ctx, w, "wallet balance unavailable"); failErr != nil {
				s.logger.Error("failed to return withdrawal to queue", "withdrawalId", w.ID, "error", failErr)
			}
		}
		return fmt.Errorf("failed to read wallet balance: %w", err)
	}

	for _, w := range batch {
		s.payOne(ctx, key, w, rate, liquidity)
	}
	return nil
}

func (s *Service) payOne(ctx context.Context, key *walletkey.Key, w *withdrawal.Withdrawal, rate string, liquidity *big.Int) {
	// Transient conditions go back to the approved queue and are retried
	// on the next run. Conditions a retry cannot fix go to the operator.
	fail := func(reason string) {
		metrics.DisburserPayoutsTotal.WithLabelValues("failed").Inc()
		if err := s.queue.Fail(ctx, w, reason); err != nil {
			s.logger.Error("failed to return withdrawal to queue", "withdrawalId", w.ID, "error", err)
		}
	}
	park := func(reason string) {
		metrics.DisburserPayoutsTotal.WithLabelValues("parked").Inc()
		if err := s.queue.Park(ctx, w, reason); err != nil {
			s.logger.Error("failed to park withdrawal", "withdrawalId", w.ID, "error", err)
		}
	}

	if w.Currency != profile.CurrencyCrypto {
		park("off-chain currency, settle manually")
		return
	}
	if !common.IsHexAddress(w.Destination) {
		park("invalid destination address")
		return
	}

	gross, ok := money.Parse(w.Amount)
	if !ok || !money.IsPositive(gross) {
		park("corrupt withdrawal amount")
		return
	}
	fee, ok := money.Percent(gross, rate)
	if !ok {
		fail("invalid fee rate")
		return
	}
	net := new(big.Int).Sub(gross, fee)
	if !money.IsPositive(net) {
		park("fee exceeds amount")
		return
	}

	need := new(big.Int).Add(net, s.cfg.SafetyBuffer)
	if liquidity.Cmp(need) < 0 {
		metrics.DisburserLiquidityShortfall.Inc()
		s.logger.Warn("payout deferred: insufficient wallet liquidity",
			"withdrawalId", w.ID, "need", money.Format(need), "have", money.Format(liquidity))
		fail("insufficient wallet liquidity")
		return
	}

	// The profile balance was only checked at request time and is not
	// debited until completion; re-verify it right before funds leave
	// the hot wallet.
	if err := s.queue.VerifyFunds(ctx, w); err != nil {
		if errors.Is(err, withdrawal.ErrInsufficientFunds) {
			s.logger.Warn("payout deferred: balance no longer covers withdrawal",
				"withdrawalId", w.ID, "amount", w.Amount)
			fail("balance no longer covers withdrawal")
			return
		}
		fail(fmt.Sprintf("balance check failed: %v", err))
		return
	}

	out, err := s.sender.SendTransfer(ctx, key.Private, common.HexToAddress(w.Destination), net, w.ID)
	if err != nil {
		s.logger.Warn("payout transfer failed", "withdrawalId", w.ID, "error", err)
		fail(fmt.Sprintf("transfer failed: %v", err))
		return
	}

	// The transfer is on the wire: reserve its liquidity locally so the
	// rest of the batch doesn't overdraw.
	liquidity.Sub(liquidity, net)
	if out.Fee != nil {
		liquidity.Sub(liquidity, out.Fee)
	}

	if _, err := s.queue.Complete(ctx, w, out.Hash, money.Format(fee)); err != nil {
		// Funds are sent but the ledger update failed; this needs a
		// human, not a retry that would pay twice.
		s.logger.Error("CRITICAL: payout sent but completion failed",
			"withdrawalId", w.ID, "ref", out.Hash, "error", err)
		metrics.DisburserPayoutsTotal.WithLabelValues("inconsistent").Inc()
		return
	}
	metrics.DisburserPayoutsTotal.WithLabelValues("completed").Inc()
	s.logger.Info("withdrawal paid", "withdrawalId", w.ID, "ref", out.Hash,
		"net", money.Format(net), "fee", money.Format(fee))

	// Referral commissions ride on the gross amount. The earning table
	// is idempotent per withdrawal, so a crashed run can re-award safely.
	if err := s.referrals.Award(ctx, w.ProfileID, w.ID, w.Amount, w.Currency); err != nil {
		s.logger.Error("referral award failed", "withdrawalId", w.ID, "error", err)
		return
	}
	metrics.ReferralEarningsTotal.Inc()
}
