package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for tests and development.
type MemoryStore struct {
	mu  sync.Mutex
	txs map[string]*Transaction
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.txs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetByLink(ctx context.Context, link string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.UniqueLink == link {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) Bind(ctx context.Context, id string, buyerID int64, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != StatusPendingPayment || tx.BuyerID != nil {
		return ErrStatusConflict
	}
	tx.BuyerID = &buyerID
	tx.ExpiresAt = &expiresAt
	tx.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.txs[tx.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if current.Status != expected {
		return ErrStatusConflict
	}
	if tx.OnChainRef != nil {
		for id, other := range m.txs {
			if id == tx.ID {
				continue
			}
			if other.OnChainRef != nil && *other.OnChainRef == *tx.OnChainRef {
				return ErrDuplicateRef
			}
		}
	}
	cp := *tx
	m.txs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByProfile(ctx context.Context, profileID int64, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, tx := range m.txs {
		if len(out) >= limit {
			break
		}
		if tx.SellerID == profileID || (tx.BuyerID != nil && *tx.BuyerID == profileID) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListExpiredPending(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, tx := range m.txs {
		if len(out) >= limit {
			break
		}
		if tx.Status == StatusPendingPayment && tx.BuyerID != nil &&
			tx.ExpiresAt != nil && tx.ExpiresAt.Before(before) {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) RefExists(ctx context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.txs {
		if tx.OnChainRef != nil && *tx.OnChainRef == ref {
			return true, nil
		}
	}
	return false, nil
}

var _ Store = (*MemoryStore)(nil)
