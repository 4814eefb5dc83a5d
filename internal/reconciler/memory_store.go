package reconciler

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory reconciler store for tests and development.
type MemoryStore struct {
	mu        sync.Mutex
	cursor    uint64
	unmatched []*Unmatched
	nextID    int64
}

// NewMemoryStore creates a new in-memory reconciler store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (m *MemoryStore) Cursor(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, nil
}

func (m *MemoryStore) SetCursor(ctx context.Context, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = block
	return nil
}

func (m *MemoryStore) RecordUnmatched(ctx context.Context, u *Unmatched) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.unmatched {
		if existing.OnChainRef == u.OnChainRef {
			return false, nil
		}
	}
	cp := *u
	cp.ID = m.nextID
	m.nextID++
	m.unmatched = append(m.unmatched, &cp)
	return true, nil
}

func (m *MemoryStore) ListUnmatched(ctx context.Context, limit int) ([]*Unmatched, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Unmatched
	for _, u := range m.unmatched {
		if len(out) >= limit {
			break
		}
		if !u.Reviewed {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkReviewed(ctx context.Context, id int64, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.unmatched {
		if u.ID == id {
			u.Reviewed = true
			u.Notes = notes
			return nil
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
