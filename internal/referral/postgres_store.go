package referral

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists the referral graph in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed referral store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateEdge(ctx context.Context, e *Edge) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO referral_edges (referrer_id, referred_id, level, created_at)
		VALUES ($1, $2, $3, $4)`,
		e.ReferrerID, e.ReferredID, e.Level, e.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrEdgeExists
	}
	return err
}

func (p *PostgresStore) Referrers(ctx context.Context, referredID int64) ([]*Edge, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT referrer_id, referred_id, level, created_at
		FROM referral_edges
		WHERE referred_id = $1
		ORDER BY level`, referredID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Edge
	for rows.Next() {
		e := &Edge{}
		if err := rows.Scan(&e.ReferrerID, &e.ReferredID, &e.Level, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// CreateEarning relies on the unique (referrer_id, source_event_id, level)
// constraint: a replayed award inserts nothing.
func (p *PostgresStore) CreateEarning(ctx context.Context, e *Earning) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO referral_earnings (
			id, referrer_id, source_profile_id, source_event_id,
			level, rate, amount, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,4), $8)
		ON CONFLICT (referrer_id, source_event_id, level) DO NOTHING`,
		e.ID, e.ReferrerID, e.SourceProfile, e.SourceEventID,
		e.Level, e.Rate, e.Amount, e.CreatedAt,
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

func (p *PostgresStore) ListEarnings(ctx context.Context, referrerID int64, limit int) ([]*Earning, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, referrer_id, source_profile_id, source_event_id,
		       level, rate, amount, created_at
		FROM referral_earnings
		WHERE referrer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, referrerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Earning
	for rows.Next() {
		e := &Earning{}
		if err := rows.Scan(&e.ID, &e.ReferrerID, &e.SourceProfile, &e.SourceEventID,
			&e.Level, &e.Rate, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
