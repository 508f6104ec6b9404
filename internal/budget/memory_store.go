package budget

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory budget store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	budgets map[string]*Budget // by ID
}

// NewMemoryStore creates a new in-memory budget store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		budgets: make(map[string]*Budget),
	}
}

func (m *MemoryStore) Create(_ context.Context, b *Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.budgets[b.ID] = copyBudget(b)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.budgets[id]
	if !ok {
		return nil, ErrBudgetNotFound
	}
	return copyBudget(b), nil
}

func (m *MemoryStore) Update(_ context.Context, b *Budget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.budgets[b.ID]; !ok {
		return ErrBudgetNotFound
	}
	m.budgets[b.ID] = copyBudget(b)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.budgets[id]; !ok {
		return ErrBudgetNotFound
	}
	delete(m.budgets, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Budget
	for _, b := range m.budgets {
		if matchesFilter(b, f) {
			result = append(result, copyBudget(b))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListForHierarchy(_ context.Context, orgID, workspaceID, agentGroupID, agentID string) ([]*Budget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Budget
	for _, b := range m.budgets {
		if !b.IsActive {
			continue
		}
		if matchesTarget(b.OrgID, orgID) || matchesTarget(b.WorkspaceID, workspaceID) ||
			matchesTarget(b.AgentGroupID, agentGroupID) || matchesTarget(b.AgentID, agentID) {
			result = append(result, copyBudget(b))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func matchesFilter(b *Budget, f Filter) bool {
	if f.OrgID != "" && b.OrgID != f.OrgID {
		return false
	}
	if f.WorkspaceID != "" && b.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.AgentGroupID != "" && b.AgentGroupID != f.AgentGroupID {
		return false
	}
	if f.AgentID != "" && b.AgentID != f.AgentID {
		return false
	}
	return true
}

// matchesTarget compares a budget target against a chain ID, treating the
// empty string as "not attached here" on both sides.
func matchesTarget(budgetID, chainID string) bool {
	return budgetID != "" && budgetID == chainID
}

func copyBudget(b *Budget) *Budget {
	cp := *b
	return &cp
}

var _ Store = (*MemoryStore)(nil)
