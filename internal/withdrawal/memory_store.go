package withdrawal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory withdrawal store for tests and development.
type MemoryStore struct {
	mu          sync.Mutex
	withdrawals map[string]*Withdrawal
}

// NewMemoryStore creates a new in-memory withdrawal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{withdrawals: make(map[string]*Withdrawal)}
}

func (m *MemoryStore) Create(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, w *Withdrawal, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.withdrawals[w.ID]
	if !ok {
		return ErrWithdrawalNotFound
	}
	if current.Status != expected {
		return ErrStatusConflict
	}
	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) ClaimApproved(ctx context.Context, limit int) ([]*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var approved []*Withdrawal
	for _, w := range m.withdrawals {
		if w.Status == StatusApproved {
			approved = append(approved, w)
		}
	}
	sort.Slice(approved, func(i, j int) bool {
		return approved[i].CreatedAt.Before(approved[j].CreatedAt)
	})
	if len(approved) > limit {
		approved = approved[:limit]
	}

	var out []*Withdrawal
	for _, w := range approved {
		w.Status = StatusInFlight
		w.UpdatedAt = time.Now()
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListByProfile(ctx context.Context, profileID int64, limit int) ([]*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Withdrawal
	for _, w := range m.withdrawals {
		if len(out) >= limit {
			break
		}
		if w.ProfileID == profileID {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Withdrawal
	for _, w := range m.withdrawals {
		if len(out) >= limit {
			break
		}
		if w.Status == status {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
