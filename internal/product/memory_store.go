package product

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory product store for tests and development.
type MemoryStore struct {
	mu       sync.Mutex
	products map[string]*Product
}

// NewMemoryStore creates a new in-memory product store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{products: make(map[string]*Product)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.products[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByLink(ctx context.Context, link string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.products {
		if p.UniqueLink == link {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrProductNotFound
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID int64, limit int) ([]*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Product
	for _, p := range m.products {
		if p.SellerID == sellerID && len(out) < limit {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return ErrProductNotFound
	}
	p.IsActive = active
	return nil
}

var _ Store = (*MemoryStore)(nil)
