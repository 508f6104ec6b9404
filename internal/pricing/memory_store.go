package pricing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
)

// MemoryStore is an in-memory pricing store for dev mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule // id -> rule
}

// NewMemoryStore creates an in-memory pricing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*Rule)}
}

func (m *MemoryStore) Create(ctx context.Context, rule *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rules {
		if r.Provider == rule.Provider && r.Model == rule.Model {
			return ErrRuleExists
		}
	}
	if rule.ID == "" {
		rule.ID = idgen.New()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	cp := *rule
	m.rules[rule.ID] = &cp
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, rule *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.rules[rule.ID]
	if !ok {
		return ErrRuleNotFound
	}
	existing.InputCostPer1K = rule.InputCostPer1K
	existing.OutputCostPer1K = rule.OutputCostPer1K
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *MemoryStore) GetByModel(ctx context.Context, provider, model string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rules {
		if r.Provider == provider && r.Model == model {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrRuleNotFound
}

func (m *MemoryStore) List(ctx context.Context) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Rule, 0, len(m.rules))
	for _, r := range m.rules {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}
