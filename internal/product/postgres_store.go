package product

import (
	"context"
	"database/sql"

	"github.com/mercatod/mercato/internal/profile"
)

// PostgresStore persists products in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed product store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const productColumns = `id, seller_id, title, price, currency, unique_link, is_active, created_at`

func (p *PostgresStore) Create(ctx context.Context, pr *Product) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO products (id, seller_id, title, price, currency, unique_link, is_active, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,4), $5, $6, $7, $8)`,
		pr.ID, pr.SellerID, pr.Title, pr.Price, string(pr.Currency),
		pr.UniqueLink, pr.IsActive, pr.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Product, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	return scanProduct(row)
}

func (p *PostgresStore) GetByLink(ctx context.Context, link string) (*Product, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE unique_link = $1`, link)
	return scanProduct(row)
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID int64, limit int) ([]*Product, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Product
	for rows.Next() {
		pr, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE products SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrProductNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProduct(s scanner) (*Product, error) {
	pr := &Product{}
	var currency string
	err := s.Scan(&pr.ID, &pr.SellerID, &pr.Title, &pr.Price, &currency,
		&pr.UniqueLink, &pr.IsActive, &pr.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}
	pr.Currency = profile.Currency(currency)
	return pr, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
