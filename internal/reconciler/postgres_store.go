package reconciler

import (
	"context"
	"database/sql"
)

// PostgresStore persists the scan cursor and unmatched queue in
// PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reconciler store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Cursor(ctx context.Context) (uint64, error) {
	var block uint64
	err := p.db.QueryRowContext(ctx,
		`SELECT last_block FROM scan_cursor WHERE id = 1`).Scan(&block)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return block, nil
}

func (p *PostgresStore) SetCursor(ctx context.Context, block uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO scan_cursor (id, last_block, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET last_block = $1, updated_at = NOW()`,
		block)
	return err
}

// RecordUnmatched relies on the unique on_chain_ref constraint so a
// rescanned transfer is queued once.
func (p *PostgresStore) RecordUnmatched(ctx context.Context, u *Unmatched) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO unmatched_transfers (
			on_chain_ref, from_addr, amount, memo, reason, block, created_at
		) VALUES ($1, $2, $3::NUMERIC(20,4), $4, $5, $6, $7)
		ON CONFLICT (on_chain_ref) DO NOTHING`,
		u.OnChainRef, u.FromAddr, u.Amount, u.Memo, u.Reason, u.Block, u.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (p *PostgresStore) ListUnmatched(ctx context.Context, limit int) ([]*Unmatched, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, on_chain_ref, from_addr, amount, memo, reason, block,
		       reviewed, notes, created_at
		FROM unmatched_transfers
		WHERE NOT reviewed
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Unmatched
	for rows.Next() {
		u := &Unmatched{}
		var notes sql.NullString
		if err := rows.Scan(&u.ID, &u.OnChainRef, &u.FromAddr, &u.Amount, &u.Memo,
			&u.Reason, &u.Block, &u.Reviewed, &notes, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Notes = notes.String
		result = append(result, u)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkReviewed(ctx context.Context, id int64, notes string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE unmatched_transfers SET reviewed = TRUE, notes = $2 WHERE id = $1`,
		id, notes)
	return err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
