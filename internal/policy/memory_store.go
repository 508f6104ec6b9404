package policy

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory policy store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy // by ID
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*Policy),
	}
}

func (m *MemoryStore) Create(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.policies[p.ID] = copyPolicy(p)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return copyPolicy(p), nil
}

func (m *MemoryStore) Update(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[p.ID]; !ok {
		return ErrPolicyNotFound
	}
	m.policies[p.ID] = copyPolicy(p)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.policies, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Policy
	for _, p := range m.policies {
		if matchesFilter(p, f) {
			result = append(result, copyPolicy(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListForHierarchy(_ context.Context, orgID, workspaceID, agentGroupID, agentID string) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Policy
	for _, p := range m.policies {
		if !p.IsActive {
			continue
		}
		if matchesTarget(p.OrgID, orgID) || matchesTarget(p.WorkspaceID, workspaceID) ||
			matchesTarget(p.AgentGroupID, agentGroupID) || matchesTarget(p.AgentID, agentID) {
			result = append(result, copyPolicy(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func matchesFilter(p *Policy, f Filter) bool {
	if f.OrgID != "" && p.OrgID != f.OrgID {
		return false
	}
	if f.WorkspaceID != "" && p.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.AgentGroupID != "" && p.AgentGroupID != f.AgentGroupID {
		return false
	}
	if f.AgentID != "" && p.AgentID != f.AgentID {
		return false
	}
	return true
}

// matchesTarget compares a policy target against a chain ID, treating the
// empty string as "not attached here" on both sides.
func matchesTarget(policyID, chainID string) bool {
	return policyID != "" && policyID == chainID
}

func copyPolicy(p *Policy) *Policy {
	cp := *p
	if p.AllowedModels != nil {
		// make keeps an empty allowlist non-nil; nil and empty differ
		// (unrestricted vs blocks-everything).
		cp.AllowedModels = make([]string, 0, len(p.AllowedModels))
		cp.AllowedModels = append(cp.AllowedModels, p.AllowedModels...)
	}
	cp.MaxInputTokens = clonePtr(p.MaxInputTokens)
	cp.MaxOutputTokens = clonePtr(p.MaxOutputTokens)
	cp.RPMLimit = clonePtr(p.RPMLimit)
	return &cp
}

func clonePtr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

var _ Store = (*MemoryStore)(nil)
