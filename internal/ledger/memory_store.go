package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/pagination"
	"github.com/mbd888/spendgate/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for dev mode and tests. It mirrors
// the Postgres semantics: a per-group lock stands in for the advisory lock,
// so a balance check and its deduction stay atomic.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]*Entry // group ID -> entries, append order
	byKey   map[string]*Entry   // idempotency key -> entry
	groups  *syncutil.ContextShardedMutex
}

// NewMemoryStore creates an in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]*Entry),
		byKey:   make(map[string]*Entry),
		groups:  syncutil.NewContextShardedMutex(),
	}
}

func (m *MemoryStore) Balance(ctx context.Context, groupID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumLocked(groupID), nil
}

func (m *MemoryStore) BalanceForUpdate(ctx context.Context, groupID string) (int64, error) {
	unlock, err := m.groups.LockContext(ctx, groupID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumLocked(groupID), nil
}

func (m *MemoryStore) Append(ctx context.Context, groupID string, amount int64, typ EntryType, idempotencyKey string, metadata map[string]any) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idempotencyKey != "" {
		if existing, ok := m.byKey[idempotencyKey]; ok {
			metrics.LedgerIdempotentReplaysTotal.Inc()
			return copyEntry(existing), nil
		}
	}
	entry := &Entry{
		ID:             idgen.New(),
		GroupID:        groupID,
		Amount:         amount,
		Type:           typ,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}
	m.appendLocked(entry)
	return copyEntry(entry), nil
}

func (m *MemoryStore) Deduct(ctx context.Context, groupID string, amount int64, idempotencyKey string, metadata map[string]any) (*Entry, error) {
	m.mu.RLock()
	existing, ok := m.byKey[idempotencyKey]
	m.mu.RUnlock()
	if ok {
		metrics.LedgerIdempotentReplaysTotal.Inc()
		return copyEntry(existing), nil
	}

	unlock, err := m.groups.LockContext(ctx, groupID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byKey[idempotencyKey]; ok {
		metrics.LedgerIdempotentReplaysTotal.Inc()
		return copyEntry(existing), nil
	}

	balance := m.sumLocked(groupID)
	if balance < amount {
		return nil, &InsufficientCreditsError{GroupID: groupID, Balance: balance, Required: amount}
	}

	entry := &Entry{
		ID:             idgen.New(),
		GroupID:        groupID,
		Amount:         -amount,
		Type:           TypeUsageDeduction,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}
	m.appendLocked(entry)
	return copyEntry(entry), nil
}

func (m *MemoryStore) History(ctx context.Context, groupID string, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.entries[groupID]
	sorted := make([]*Entry, len(all))
	copy(sorted, all)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})

	var out []*Entry
	for _, e := range sorted {
		if cursor != nil {
			after := e.CreatedAt.After(cursor.CreatedAt) ||
				(e.CreatedAt.Equal(cursor.CreatedAt) && e.ID >= cursor.ID)
			if after {
				continue
			}
		}
		out = append(out, copyEntry(e))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) sumLocked(groupID string) int64 {
	var total int64
	for _, e := range m.entries[groupID] {
		total += e.Amount
	}
	return total
}

func (m *MemoryStore) appendLocked(e *Entry) {
	m.entries[e.GroupID] = append(m.entries[e.GroupID], e)
	if e.IdempotencyKey != "" {
		m.byKey[e.IdempotencyKey] = e
	}
}

func copyEntry(e *Entry) *Entry {
	cp := *e
	if e.Metadata != nil {
		cp.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
