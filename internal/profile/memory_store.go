package profile

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/mercatod/mercato/internal/idgen"
	"github.com/mercatod/mercato/internal/money"
)

// MemoryStore is an in-memory profile store for tests and development.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[int64]*Profile
	entries  []*Entry
}

// NewMemoryStore creates a new in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[int64]*Profile)}
}

func (m *MemoryStore) Create(ctx context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.profiles[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetByReferralCode(ctx context.Context, code string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		if p.ReferralCode == code {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrProfileNotFound
}

func (m *MemoryStore) balance(p *Profile, c Currency) *big.Int {
	var v *big.Int
	if c == CurrencyFiat {
		v, _ = money.Parse(p.BalanceFiat)
	} else {
		v, _ = money.Parse(p.Balance)
	}
	if v == nil {
		v = big.NewInt(0)
	}
	return v
}

func (m *MemoryStore) setBalance(p *Profile, c Currency, v *big.Int) {
	if c == CurrencyFiat {
		p.BalanceFiat = money.Format(v)
	} else {
		p.Balance = money.Format(v)
	}
	p.UpdatedAt = time.Now()
}

func (m *MemoryStore) Credit(ctx context.Context, id int64, currency Currency, amount, entryType, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return ErrProfileNotFound
	}
	v, _ := money.Parse(amount)
	m.setBalance(p, currency, new(big.Int).Add(m.balance(p, currency), v))
	m.record(id, currency, amount, entryType, reference)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, id int64, currency Currency, amount, entryType, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return ErrProfileNotFound
	}
	v, _ := money.Parse(amount)
	bal := m.balance(p, currency)
	if bal.Cmp(v) < 0 {
		return ErrInsufficientBalance
	}
	m.setBalance(p, currency, new(big.Int).Sub(bal, v))
	m.record(id, currency, "-"+amount, entryType, reference)
	return nil
}

func (m *MemoryStore) record(id int64, currency Currency, amount, entryType, reference string) {
	m.entries = append(m.entries, &Entry{
		ID:        idgen.New(),
		ProfileID: id,
		Type:      entryType,
		Currency:  currency,
		Amount:    amount,
		Reference: reference,
		CreatedAt: time.Now(),
	})
}

func (m *MemoryStore) SetReferredBy(ctx context.Context, id, referrerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return ErrProfileNotFound
	}
	if p.ReferredBy != nil {
		return ErrAlreadyReferred
	}
	p.ReferredBy = &referrerID
	return nil
}

func (m *MemoryStore) SetBlocked(ctx context.Context, id int64, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return ErrProfileNotFound
	}
	p.IsBlocked = blocked
	return nil
}

func (m *MemoryStore) History(ctx context.Context, id int64, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].ProfileID == id {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
