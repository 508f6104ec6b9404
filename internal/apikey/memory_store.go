package apikey

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory key store for tests and demo mode.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*Key // by ID
}

// NewMemoryStore creates a new in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*Key)}
}

func (m *MemoryStore) Create(_ context.Context, k *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *k
	m.keys[k.ID] = &cp
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) GetByHash(_ context.Context, hash string) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.keys {
		if k.Hash == hash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (m *MemoryStore) ListByAgent(_ context.Context, agentID string) ([]*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []*Key
	for _, k := range m.keys {
		if k.AgentID == agentID {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].CreatedAt.After(keys[j].CreatedAt)
		}
		return keys[i].ID < keys[j].ID
	})
	return keys, nil
}

func (m *MemoryStore) Revoke(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	k.IsActive = false
	k.RevokedReason = reason
	return nil
}

var _ Store = (*MemoryStore)(nil)
