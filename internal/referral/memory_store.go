package referral

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory referral store for tests and development.
type MemoryStore struct {
	mu       sync.Mutex
	edges    []*Edge
	earnings map[string]*Earning // keyed by (referrer, event, level)
}

// NewMemoryStore creates a new in-memory referral store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{earnings: make(map[string]*Earning)}
}

func (m *MemoryStore) CreateEdge(ctx context.Context, e *Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.edges {
		if existing.ReferredID == e.ReferredID && existing.Level == e.Level {
			return ErrEdgeExists
		}
	}
	cp := *e
	m.edges = append(m.edges, &cp)
	return nil
}

func (m *MemoryStore) Referrers(ctx context.Context, referredID int64) ([]*Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Edge
	for _, e := range m.edges {
		if e.ReferredID == referredID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func (m *MemoryStore) CreateEarning(ctx context.Context, e *Earning) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d:%s:%d", e.ReferrerID, e.SourceEventID, e.Level)
	if _, exists := m.earnings[key]; exists {
		return false, nil
	}
	cp := *e
	m.earnings[key] = &cp
	return true, nil
}

func (m *MemoryStore) ListEarnings(ctx context.Context, referrerID int64, limit int) ([]*Earning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Earning
	for _, e := range m.earnings {
		if len(out) >= limit {
			break
		}
		if e.ReferrerID == referrerID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
