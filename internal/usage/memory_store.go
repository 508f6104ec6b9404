package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/spendgate/internal/pagination"
)

// ChainResolver reports the hierarchy above an agent. The memory store
// needs it for subtree sums; the Postgres store joins the hierarchy
// tables instead.
type ChainResolver func(agentID string) (orgID, workspaceID, agentGroupID string, ok bool)

// MemoryStore is an in-memory usage store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	events  []*Event
	resolve ChainResolver
}

// NewMemoryStore creates a new in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// WithChainResolver wires hierarchy lookups for subtree sums. Without one,
// only agent-scoped filters match.
func (m *MemoryStore) WithChainResolver(r ChainResolver) *MemoryStore {
	m.resolve = r
	return m
}

func (m *MemoryStore) Insert(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) History(_ context.Context, groupID string, cursor *pagination.Cursor, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Event
	for _, e := range m.events {
		if e.GroupID != groupID {
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

func (m *MemoryStore) SumCredits(_ context.Context, groupID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, e := range m.events {
		if e.GroupID == groupID && !e.CreatedAt.Before(since) {
			total += e.CreditsCharged
		}
	}
	return total, nil
}

func (m *MemoryStore) SumSuccessSubtree(_ context.Context, f SubtreeFilter, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, e := range m.events {
		if e.Status != StatusSuccess {
			continue
		}
		if !since.IsZero() && e.CreatedAt.Before(since) {
			continue
		}
		if m.matchesSubtree(e, f) {
			total += e.CreditsCharged
		}
	}
	return total, nil
}

func (m *MemoryStore) matchesSubtree(e *Event, f SubtreeFilter) bool {
	if f.AgentID != "" {
		return e.AgentID == f.AgentID
	}
	if e.AgentID == "" || m.resolve == nil {
		return false
	}
	orgID, workspaceID, agentGroupID, ok := m.resolve(e.AgentID)
	if !ok {
		return false
	}
	switch {
	case f.AgentGroupID != "":
		return agentGroupID == f.AgentGroupID
	case f.WorkspaceID != "":
		return workspaceID == f.WorkspaceID
	case f.OrgID != "":
		return orgID == f.OrgID
	}
	return false
}

func (m *MemoryStore) TopAgents(_ context.Context, groupID string, since time.Time, limit int) ([]*AgentTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byAgent := make(map[string]int64)
	for _, e := range m.events {
		if e.GroupID != groupID || e.AgentID == "" || e.CreatedAt.Before(since) {
			continue
		}
		byAgent[e.AgentID] += e.CreditsCharged
	}

	totals := make([]*AgentTotal, 0, len(byAgent))
	for id, credits := range byAgent {
		totals = append(totals, &AgentTotal{AgentID: id, Credits: credits})
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Credits != totals[j].Credits {
			return totals[i].Credits > totals[j].Credits
		}
		return totals[i].AgentID < totals[j].AgentID
	})
	if len(totals) > limit {
		totals = totals[:limit]
	}
	return totals, nil
}

var _ Store = (*MemoryStore)(nil)
