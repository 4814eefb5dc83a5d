// Package settings holds operator-tunable key/value configuration.
//
// Unlike env config, these values can change at runtime (rates, withdrawal
// mode, the encrypted wallet seed), so every consumer reads them per run
// rather than caching at startup.
package settings

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("setting not found")

// Well-known keys.
const (
	KeyCommissionRate      = "commission_rate"
	KeyReferralL1Rate      = "referral_l1_rate"
	KeyReferralL2Rate      = "referral_l2_rate"
	KeyWithdrawalMode      = "withdrawal_mode"
	KeyMinWithdrawalAmount = "min_withdrawal_amount"
	KeyWalletSeedEnc       = "wallet_seed_enc"
)

// Withdrawal modes.
const (
	ModeManual = "manual"
	ModeAuto   = "auto"
)

// Defaults applied when a key is absent.
const (
	DefaultCommissionRate      = "5"
	DefaultReferralL1Rate      = "3"
	DefaultReferralL2Rate      = "1"
	DefaultWithdrawalMode      = ModeManual
	DefaultMinWithdrawalAmount = "1"
)

// Store persists settings.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	All(ctx context.Context) (map[string]string, error)
}

// Service reads settings with defaults.
type Service struct {
	store Store
}

// NewService creates a settings service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Get returns the value for key, or fallback if the key is absent.
func (s *Service) Get(ctx context.Context, key, fallback string) (string, error) {
	v, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// Set writes a setting value.
func (s *Service) Set(ctx context.Context, key, value string) error {
	return s.store.Set(ctx, key, value)
}

// CommissionRate returns the platform commission percent.
func (s *Service) CommissionRate(ctx context.Context) (string, error) {
	return s.Get(ctx, KeyCommissionRate, DefaultCommissionRate)
}

// ReferralRates returns the level-1 and level-2 referral percents.
func (s *Service) ReferralRates(ctx context.Context) (l1, l2 string, err error) {
	l1, err = s.Get(ctx, KeyReferralL1Rate, DefaultReferralL1Rate)
	if err != nil {
		return "", "", err
	}
	l2, err = s.Get(ctx, KeyReferralL2Rate, DefaultReferralL2Rate)
	if err != nil {
		return "", "", err
	}
	return l1, l2, nil
}

// WithdrawalMode returns "manual" or "auto".
func (s *Service) WithdrawalMode(ctx context.Context) (string, error) {
	mode, err := s.Get(ctx, KeyWithdrawalMode, DefaultWithdrawalMode)
	if err != nil {
		return "", err
	}
	if mode != ModeManual && mode != ModeAuto {
		mode = DefaultWithdrawalMode
	}
	return mode, nil
}

// MinWithdrawalAmount returns the minimum withdrawal amount.
func (s *Service) MinWithdrawalAmount(ctx context.Context) (string, error) {
	return s.Get(ctx, KeyMinWithdrawalAmount, DefaultMinWithdrawalAmount)
}

// EncryptedSeed returns the at-rest-encrypted wallet seed. There is no
// default: a missing seed means the engine is not configured for custody.
func (s *Service) EncryptedSeed(ctx context.Context) (string, error) {
	return s.store.Get(ctx, KeyWalletSeedEnc)
}
