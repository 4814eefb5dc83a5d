package withdrawal

import (
	"context"
	"database/sql"

	"github.com/mercatod/mercato/internal/profile"
)

// PostgresStore persists withdrawals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed withdrawal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const withdrawalColumns = `id, profile_id, amount, currency, destination, fee, net_amount,
			   status, on_chain_ref, notes, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, w *Withdrawal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawals (
			id, profile_id, amount, currency, destination, fee, net_amount,
			status, on_chain_ref, notes, created_at, updated_at
		) VALUES (
			$1, $2, $3::NUMERIC(20,4), $4, $5, $6, $7,
			$8, $9, $10, $11, $12
		)`,
		w.ID, w.ProfileID, w.Amount, string(w.Currency), w.Destination,
		nullString(w.Fee), nullString(w.NetAmount),
		string(w.Status), nullStringPtr(w.OnChainRef), nullString(w.Notes),
		w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	return scanWithdrawal(row)
}

func (p *PostgresStore) Update(ctx context.Context, w *Withdrawal, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals SET
			status = $1, fee = $2, net_amount = $3,
			on_chain_ref = $4, notes = $5, updated_at = $6
		WHERE id = $7 AND status = $8`,
		string(w.Status), nullString(w.Fee), nullString(w.NetAmount),
		nullStringPtr(w.OnChainRef), nullString(w.Notes), w.UpdatedAt,
		w.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM withdrawals WHERE id = $1)`, w.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrWithdrawalNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

// ClaimApproved uses SKIP LOCKED so concurrent disburser runs partition
// the queue instead of fighting over rows.
func (p *PostgresStore) ClaimApproved(ctx context.Context, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE withdrawals SET status = 'in_flight', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM withdrawals
			WHERE status = 'approved'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+withdrawalColumns, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanWithdrawals(rows)
}

func (p *PostgresStore) ListByProfile(ctx context.Context, profileID int64, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE profile_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, profileID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanWithdrawals(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawals
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanWithdrawals(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWithdrawal(s scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var (
		currency   string
		status     string
		fee        sql.NullString
		netAmount  sql.NullString
		onChainRef sql.NullString
		notes      sql.NullString
	)

	err := s.Scan(
		&w.ID, &w.ProfileID, &w.Amount, &currency, &w.Destination, &fee, &netAmount,
		&status, &onChainRef, &notes, &w.CreatedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}

	w.Currency = profile.Currency(currency)
	w.Status = Status(status)
	w.Fee = fee.String
	w.NetAmount = netAmount.String
	w.Notes = notes.String
	if onChainRef.Valid {
		w.OnChainRef = &onChainRef.String
	}
	return w, nil
}

func scanWithdrawals(rows *sql.Rows) ([]*Withdrawal, error) {
	var result []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
