// Package product manages seller listings.
package product

import (
	"context"
	"errors"
	"time"

	"github.com/mercatod/mercato/internal/idgen"
	"github.com/mercatod/mercato/internal/money"
	"github.com/mercatod/mercato/internal/profile"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrInvalidPrice    = errors.New("invalid price")
	ErrNotSeller       = errors.New("not the product seller")
)

// Product is a seller-owned listing. Once an escrow transaction references
// it, only the is_active flag may change.
type Product struct {
	ID         string           `json:"id"`
	SellerID   int64            `json:"sellerId"`
	Title      string           `json:"title"`
	Price      string           `json:"price"`
	Currency   profile.Currency `json:"currency"`
	UniqueLink string           `json:"uniqueLink"`
	IsActive   bool             `json:"isActive"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// Store persists products.
type Store interface {
	Create(ctx context.Context, p *Product) error
	Get(ctx context.Context, id string) (*Product, error)
	GetByLink(ctx context.Context, link string) (*Product, error)
	ListBySeller(ctx context.Context, sellerID int64, limit int) ([]*Product, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// Service implements product business logic.
type Service struct {
	store Store
}

// NewService creates a new product service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create validates and stores a new listing.
func (s *Service) Create(ctx context.Context, sellerID int64, title, price string, currency profile.Currency) (*Product, error) {
	v, ok := money.Parse(price)
	if !ok || !money.IsPositive(v) {
		return nil, ErrInvalidPrice
	}
	if !currency.Valid() {
		return nil, ErrInvalidPrice
	}
	p := &Product{
		ID:         idgen.WithPrefix("prd_"),
		SellerID:   sellerID,
		Title:      title,
		Price:      money.Format(v),
		Currency:   currency,
		UniqueLink: idgen.WithPrefix("p"),
		IsActive:   true,
		CreatedAt:  time.Now(),
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns a product by ID.
func (s *Service) Get(ctx context.Context, id string) (*Product, error) {
	return s.store.Get(ctx, id)
}

// Deactivate hides a listing. Only the seller may do this.
func (s *Service) Deactivate(ctx context.Context, id string, actorID int64) error {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.SellerID != actorID {
		return ErrNotSeller
	}
	return s.store.SetActive(ctx, id, false)
}

// ListBySeller returns a seller's listings.
func (s *Service) ListBySeller(ctx context.Context, sellerID int64, limit int) ([]*Product, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListBySeller(ctx, sellerID, limit)
}
