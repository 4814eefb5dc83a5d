package deposit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory deposit store for tests and development.
type MemoryStore struct {
	mu       sync.Mutex
	deposits map[string]*Deposit
}

// NewMemoryStore creates a new in-memory deposit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deposits: make(map[string]*Deposit)}
}

func (m *MemoryStore) Create(ctx context.Context, d *Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deposits[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[id]
	if !ok {
		return nil, ErrDepositNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetPendingByCode(ctx context.Context, code string) (*Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deposits {
		if d.UniqueCode == code && d.Status == StatusPending {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDepositNotFound
}

func (m *MemoryStore) Update(ctx context.Context, d *Deposit, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.deposits[d.ID]
	if !ok {
		return ErrDepositNotFound
	}
	if current.Status != expected {
		return ErrNotPending
	}
	if d.OnChainRef != nil {
		for id, other := range m.deposits {
			if id == d.ID {
				continue
			}
			if other.OnChainRef != nil && *other.OnChainRef == *d.OnChainRef {
				return ErrDuplicateRef
			}
		}
	}
	cp := *d
	m.deposits[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByProfile(ctx context.Context, profileID int64, limit int) ([]*Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Deposit
	for _, d := range m.deposits {
		if len(out) >= limit {
			break
		}
		if d.ProfileID == profileID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Deposit
	for _, d := range m.deposits {
		if len(out) >= limit {
			break
		}
		if d.Status == StatusPending && d.ExpiresAt.Before(before) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) RefExists(ctx context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deposits {
		if d.OnChainRef != nil && *d.OnChainRef == ref {
			return true, nil
		}
	}
	return false, nil
}

var _ Store = (*MemoryStore)(nil)
