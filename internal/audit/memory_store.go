package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/spendgate/internal/pagination"
)

// MemoryStore is an in-memory audit store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.OrgID != f.OrgID {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if cursor != nil {
		for i, e := range result {
			if e.CreatedAt.Before(cursor.CreatedAt) ||
				(e.CreatedAt.Equal(cursor.CreatedAt) && e.ID < cursor.ID) {
				result = result[i:]
				break
			}
			if i == len(result)-1 {
				result = nil
			}
		}
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
