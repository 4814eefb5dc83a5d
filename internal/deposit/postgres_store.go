package deposit

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/mercatod/mercato/internal/profile"
)

// PostgresStore persists deposits in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed deposit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const depositColumns = `id, profile_id, amount, currency, unique_code, method, status,
			on_chain_ref, credited_amount, notes, expires_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Deposit) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deposits (
			id, profile_id, amount, currency, unique_code, method, status,
			on_chain_ref, credited_amount, notes, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3::NUMERIC(20,4), $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13
		)`,
		d.ID, d.ProfileID, d.Amount, string(d.Currency), d.UniqueCode, string(d.Method), string(d.Status),
		nullStringPtr(d.OnChainRef), nullString(d.CreditedAmount), nullString(d.Notes),
		d.ExpiresAt, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deposit, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE id = $1`, id)
	return scanDeposit(row)
}

func (p *PostgresStore) GetPendingByCode(ctx context.Context, code string) (*Deposit, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE unique_code = $1 AND status = 'pending'`, code)
	return scanDeposit(row)
}

func (p *PostgresStore) Update(ctx context.Context, d *Deposit, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE deposits SET
			status = $1, on_chain_ref = $2, credited_amount = $3,
			notes = $4, updated_at = $5
		WHERE id = $6 AND status = $7`,
		string(d.Status), nullStringPtr(d.OnChainRef), nullString(d.CreditedAmount),
		nullString(d.Notes), d.UpdatedAt,
		d.ID, string(expected),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateRef
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM deposits WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDepositNotFound
		}
		return ErrNotPending
	}
	return nil
}

func (p *PostgresStore) ListByProfile(ctx context.Context, profileID int64, limit int) ([]*Deposit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE profile_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, profileID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeposits(rows)
}

func (p *PostgresStore) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Deposit, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+depositColumns+`
		FROM deposits
		WHERE status = 'pending' AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeposits(rows)
}

func (p *PostgresStore) RefExists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM deposits WHERE on_chain_ref = $1)`, ref).Scan(&exists)
	return exists, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeposit(s scanner) (*Deposit, error) {
	d := &Deposit{}
	var (
		currency       string
		method         string
		status         string
		onChainRef     sql.NullString
		creditedAmount sql.NullString
		notes          sql.NullString
	)

	err := s.Scan(
		&d.ID, &d.ProfileID, &d.Amount, &currency, &d.UniqueCode, &method, &status,
		&onChainRef, &creditedAmount, &notes, &d.ExpiresAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrDepositNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Currency = profile.Currency(currency)
	d.Method = Method(method)
	d.Status = Status(status)
	d.CreditedAmount = creditedAmount.String
	d.Notes = notes.String
	if onChainRef.Valid {
		d.OnChainRef = &onChainRef.String
	}
	return d, nil
}

func scanDeposits(rows *sql.Rows) ([]*Deposit, error) {
	var result []*Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
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
