package org

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory hierarchy store for tests and demo mode.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*User // keyed by email
	orgs        map[string]*Organization
	workspaces  map[string]*Workspace
	agentGroups map[string]*AgentGroup
	agents      map[string]*Agent
}

// NewMemoryStore creates a new in-memory hierarchy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]*User),
		orgs:        make(map[string]*Organization),
		workspaces:  make(map[string]*Workspace),
		agentGroups: make(map[string]*AgentGroup),
		agents:      make(map[string]*Agent),
	}
}

func (m *MemoryStore) CreateOrganization(_ context.Context, owner *User, org *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orgs {
		if o.Slug == org.Slug {
			return ErrSlugTaken
		}
	}

	if existing, ok := m.users[owner.Email]; ok {
		*owner = *existing
	} else {
		cp := *owner
		m.users[owner.Email] = &cp
	}
	org.OwnerID = owner.ID

	cp := *org
	m.orgs[org.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrganization(_ context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrOrgNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOrganizations(_ context.Context) ([]*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orgs := make([]*Organization, 0, len(m.orgs))
	for _, o := range m.orgs {
		cp := *o
		orgs = append(orgs, &cp)
	}
	sortByCreated(orgs, func(o *Organization) (int64, string) { return o.CreatedAt.UnixNano(), o.ID })
	return orgs, nil
}

func (m *MemoryStore) UpdateOrganization(_ context.Context, o *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[o.ID]; !ok {
		return ErrOrgNotFound
	}
	cp := *o
	m.orgs[o.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateWorkspace(_ context.Context, w *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[w.OrgID]; !ok {
		return ErrOrgNotFound
	}
	for _, existing := range m.workspaces {
		if existing.OrgID == w.OrgID && existing.Slug == w.Slug {
			return ErrSlugTaken
		}
	}
	cp := *w
	m.workspaces[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkspace(_ context.Context, id string) (*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workspaces[id]
	if !ok {
		return nil, ErrWorkspaceNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWorkspaces(_ context.Context, orgID string) ([]*Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var workspaces []*Workspace
	for _, w := range m.workspaces {
		if w.OrgID == orgID {
			cp := *w
			workspaces = append(workspaces, &cp)
		}
	}
	sortByCreated(workspaces, func(w *Workspace) (int64, string) { return w.CreatedAt.UnixNano(), w.ID })
	return workspaces, nil
}

func (m *MemoryStore) UpdateWorkspace(_ context.Context, w *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[w.ID]; !ok {
		return ErrWorkspaceNotFound
	}
	cp := *w
	m.workspaces[w.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateAgentGroup(_ context.Context, g *AgentGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[g.WorkspaceID]; !ok {
		return ErrWorkspaceNotFound
	}
	cp := *g
	m.agentGroups[g.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAgentGroup(_ context.Context, id string) (*AgentGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.agentGroups[id]
	if !ok {
		return nil, ErrAgentGroupNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) ListAgentGroups(_ context.Context, workspaceID string) ([]*AgentGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var groups []*AgentGroup
	for _, g := range m.agentGroups {
		if g.WorkspaceID == workspaceID {
			cp := *g
			groups = append(groups, &cp)
		}
	}
	sortByCreated(groups, func(g *AgentGroup) (int64, string) { return g.CreatedAt.UnixNano(), g.ID })
	return groups, nil
}

func (m *MemoryStore) UpdateAgentGroup(_ context.Context, g *AgentGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agentGroups[g.ID]; !ok {
		return ErrAgentGroupNotFound
	}
	cp := *g
	m.agentGroups[g.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agentGroups[a.AgentGroupID]; !ok {
		return ErrAgentGroupNotFound
	}
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAgents(_ context.Context, agentGroupID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var agents []*Agent
	for _, a := range m.agents {
		if a.AgentGroupID == agentGroupID {
			cp := *a
			agents = append(agents, &cp)
		}
	}
	sortByCreated(agents, func(a *Agent) (int64, string) { return a.CreatedAt.UnixNano(), a.ID })
	return agents, nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; !ok {
		return ErrAgentNotFound
	}
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *MemoryStore) ResolvePath(_ context.Context, agentID string) (*Path, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	g, ok := m.agentGroups[a.AgentGroupID]
	if !ok {
		return nil, ErrAgentGroupNotFound
	}
	w, ok := m.workspaces[g.WorkspaceID]
	if !ok {
		return nil, ErrWorkspaceNotFound
	}
	o, ok := m.orgs[w.OrgID]
	if !ok {
		return nil, ErrOrgNotFound
	}

	return &Path{
		AgentID:          a.ID,
		AgentStatus:      a.Status,
		AgentGroupID:     g.ID,
		AgentGroupActive: g.IsActive,
		WorkspaceID:      w.ID,
		WorkspaceActive:  w.IsActive,
		OrgID:            o.ID,
		OrgActive:        o.IsActive,
		OwnerUserID:      o.OwnerID,
		BillingGroupID:   o.BillingGroupID,
		CreditsPerUSD:    o.CreditsPerUSD,
	}, nil
}

func sortByCreated[T any](items []T, key func(T) (int64, string)) {
	sort.Slice(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if ti != tj {
			return ti < tj
		}
		return idi < idj
	})
}

var _ Store = (*MemoryStore)(nil)
