package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory reconciliation store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record // by ID
	byTx    map[string]string  // txID → ID
}

// NewMemoryStore creates a new in-memory reconciliation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byTx:    make(map[string]string),
	}
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTx[rec.TxID]; ok {
		return ErrDuplicateTx
	}

	cp := *rec
	m.records[rec.ID] = &cp
	m.byTx[rec.TxID] = rec.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) GetByTxID(ctx context.Context, txID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTx[txID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *m.records[id]
	return &cp, nil
}

func (m *MemoryStore) ListUnresolved(ctx context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if rec.Resolved() {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id string, resolution string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	now := time.Now()
	rec.ResolvedAt = &now
	rec.Resolution = resolution
	return nil
}
