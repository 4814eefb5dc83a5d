package profile

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mercatod/mercato/internal/idgen"
)

// PostgresStore persists profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const profileColumns = `id, username, balance, balance_fiat, referral_code,
		       referred_by, rating_sum, rating_count, is_blocked, created_at, updated_at`

func balanceColumn(c Currency) string {
	if c == CurrencyFiat {
		return "balance_fiat"
	}
	return "balance"
}

func (p *PostgresStore) Create(ctx context.Context, pr *Profile) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO profiles (
			id, username, balance, balance_fiat, referral_code,
			referred_by, rating_sum, rating_count, is_blocked, created_at, updated_at
		) VALUES (
			$1, $2, $3::NUMERIC(20,4), $4::NUMERIC(20,4), $5,
			$6, $7, $8, $9, $10, $11
		)`,
		pr.ID, nullString(pr.Username), pr.Balance, pr.BalanceFiat, pr.ReferralCode,
		nullInt64(pr.ReferredBy), pr.RatingSum, pr.RatingCount, pr.IsBlocked,
		pr.CreatedAt, pr.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Profile, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id)
	return scanProfile(row)
}

func (p *PostgresStore) GetByReferralCode(ctx context.Context, code string) (*Profile, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE referral_code = $1`, code)
	return scanProfile(row)
}

// Credit adds funds and records the entry in one transaction.
func (p *PostgresStore) Credit(ctx context.Context, id int64, currency Currency, amount, entryType, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	col := balanceColumn(currency)
	result, err := tx.ExecContext(ctx, `
		UPDATE profiles SET
			`+col+`    = `+col+` + $2::NUMERIC(20,4),
			updated_at = NOW()
		WHERE id = $1
	`, id, amount)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrProfileNotFound
	}

	if err := insertEntry(ctx, tx, id, currency, amount, entryType, reference); err != nil {
		return err
	}
	return tx.Commit()
}

// Debit removes funds with an atomic balance precondition. Zero rows
// affected means the balance was too low (or the profile is gone).
func (p *PostgresStore) Debit(ctx context.Context, id int64, currency Currency, amount, entryType, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	col := balanceColumn(currency)
	result, err := tx.ExecContext(ctx, `
		UPDATE profiles SET
			`+col+`    = `+col+` - $2::NUMERIC(20,4),
			updated_at = NOW()
		WHERE id = $1 AND `+col+` >= $2::NUMERIC(20,4)
	`, id, amount)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish missing profile from insufficient funds.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM profiles WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrProfileNotFound
		}
		return ErrInsufficientBalance
	}

	if err := insertEntry(ctx, tx, id, currency, "-"+amount, entryType, reference); err != nil {
		return err
	}
	return tx.Commit()
}

// SetReferredBy records the referrer once; a second attempt fails.
func (p *PostgresStore) SetReferredBy(ctx context.Context, id, referrerID int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE profiles SET referred_by = $2, updated_at = NOW()
		WHERE id = $1 AND referred_by IS NULL
	`, id, referrerID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAlreadyReferred
	}
	return nil
}

func (p *PostgresStore) SetBlocked(ctx context.Context, id int64, blocked bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE profiles SET is_blocked = $2, updated_at = NOW() WHERE id = $1
	`, id, blocked)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrProfileNotFound
	}
	return nil
}

func (p *PostgresStore) History(ctx context.Context, id int64, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, profile_id, type, currency, amount, reference, created_at
		FROM balance_entries
		WHERE profile_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference sql.NullString
		var currency string
		if err := rows.Scan(&e.ID, &e.ProfileID, &e.Type, &currency, &e.Amount, &reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Currency = Currency(currency)
		e.Reference = reference.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertEntry(ctx context.Context, tx *sql.Tx, id int64, currency Currency, amount, entryType, reference string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balance_entries (id, profile_id, type, currency, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,4), $6, NOW())
	`, idgen.New(), id, entryType, string(currency), amount, nullString(reference))
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(s scanner) (*Profile, error) {
	pr := &Profile{}
	var (
		username   sql.NullString
		referredBy sql.NullInt64
	)
	err := s.Scan(
		&pr.ID, &username, &pr.Balance, &pr.BalanceFiat, &pr.ReferralCode,
		&referredBy, &pr.RatingSum, &pr.RatingCount, &pr.IsBlocked,
		&pr.CreatedAt, &pr.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Username = username.String
	if referredBy.Valid {
		pr.ReferredBy = &referredBy.Int64
	}
	return pr, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullInt64 converts a *int64 to sql.NullInt64.
func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
