package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/mercatod/mercato/internal/profile"
)

// PostgresStore persists escrow transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, product_id, seller_id, buyer_id, amount, currency,
		       commission, seller_receives, unique_link, status, expires_at,
		       on_chain_ref, paid_from_balance, dispute_reason, resolution,
		       paid_at, sent_at, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, product_id, seller_id, buyer_id, amount, currency,
			commission, seller_receives, unique_link, status, expires_at,
			on_chain_ref, paid_from_balance, dispute_reason, resolution,
			paid_at, sent_at, resolved_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,4), $6,
			$7::NUMERIC(20,4), $8::NUMERIC(20,4), $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20
		)`,
		tx.ID, tx.ProductID, tx.SellerID, nullInt64(tx.BuyerID), tx.Amount, string(tx.Currency),
		tx.Commission, tx.SellerReceives, tx.UniqueLink, string(tx.Status), nullTime(tx.ExpiresAt),
		nullStringPtr(tx.OnChainRef), tx.PaidFromBalance, nullString(tx.DisputeReason), nullString(tx.Resolution),
		nullTime(tx.PaidAt), nullTime(tx.SentAt), nullTime(tx.ResolvedAt), tx.CreatedAt, tx.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (p *PostgresStore) GetByLink(ctx context.Context, link string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE unique_link = $1`, link)
	return scanTransaction(row)
}

// Bind attaches a buyer only while the row is pending_payment and
// unclaimed. Expired claims are cancelled by the service before it
// opens a fresh transaction, so a claimed row is never rebound here.
// Zero rows affected means the claim was lost to a concurrent actor.
func (p *PostgresStore) Bind(ctx context.Context, id string, buyerID int64, expiresAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			buyer_id = $2, expires_at = $3, updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending_payment'
		  AND buyer_id IS NULL
	`, id, buyerID, expiresAt)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

// Update writes mutable fields with the expected prior status as the
// update predicate, so concurrent transitions cannot both succeed.
func (p *PostgresStore) Update(ctx context.Context, tx *Transaction, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			status = $1, expires_at = $2, on_chain_ref = $3,
			paid_from_balance = $4, dispute_reason = $5, resolution = $6,
			paid_at = $7, sent_at = $8, resolved_at = $9, updated_at = $10
		WHERE id = $11 AND status = $12`,
		string(tx.Status), nullTime(tx.ExpiresAt), nullStringPtr(tx.OnChainRef),
		tx.PaidFromBalance, nullString(tx.DisputeReason), nullString(tx.Resolution),
		nullTime(tx.PaidAt), nullTime(tx.SentAt), nullTime(tx.ResolvedAt), tx.UpdatedAt,
		tx.ID, string(expected),
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
		// Distinguish a missing row from a lost status race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrow_transactions WHERE id = $1)`, tx.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) ListByProfile(ctx context.Context, profileID int64, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions
		WHERE seller_id = $1 OR buyer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, profileID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM escrow_transactions
		WHERE status = 'pending_payment'
		  AND buyer_id IS NOT NULL
		  AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) RefExists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM escrow_transactions WHERE on_chain_ref = $1)`, ref).Scan(&exists)
	return exists, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		buyerID       sql.NullInt64
		currency      string
		status        string
		expiresAt     sql.NullTime
		onChainRef    sql.NullString
		disputeReason sql.NullString
		resolution    sql.NullString
		paidAt        sql.NullTime
		sentAt        sql.NullTime
		resolvedAt    sql.NullTime
	)

	err := s.Scan(
		&tx.ID, &tx.ProductID, &tx.SellerID, &buyerID, &tx.Amount, &currency,
		&tx.Commission, &tx.SellerReceives, &tx.UniqueLink, &status, &expiresAt,
		&onChainRef, &tx.PaidFromBalance, &disputeReason, &resolution,
		&paidAt, &sentAt, &resolvedAt, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	tx.Currency = profile.Currency(currency)
	tx.Status = Status(status)
	tx.DisputeReason = disputeReason.String
	tx.Resolution = resolution.String
	if buyerID.Valid {
		tx.BuyerID = &buyerID.Int64
	}
	if onChainRef.Valid {
		tx.OnChainRef = &onChainRef.String
	}
	if expiresAt.Valid {
		tx.ExpiresAt = &expiresAt.Time
	}
	if paidAt.Valid {
		tx.PaidAt = &paidAt.Time
	}
	if sentAt.Valid {
		tx.SentAt = &sentAt.Time
	}
	if resolvedAt.Valid {
		tx.ResolvedAt = &resolvedAt.Time
	}
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringPtr converts a *string to sql.NullString.
func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
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
