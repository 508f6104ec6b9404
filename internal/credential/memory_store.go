package credential

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory credential store for tests and demo mode.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential // by ID
}

// NewMemoryStore creates a new in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]*Credential)}
}

func (m *MemoryStore) Create(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.creds[c.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListByOrg(_ context.Context, orgID string) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var creds []*Credential
	for _, c := range m.creds {
		if c.OrgID == orgID {
			cp := *c
			creds = append(creds, &cp)
		}
	}
	sortNewestFirst(creds)
	return creds, nil
}

func (m *MemoryStore) NewestActive(_ context.Context, orgID, provider string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matches []*Credential
	for _, c := range m.creds {
		if c.OrgID == orgID && c.Provider == provider && c.IsActive {
			cp := *c
			matches = append(matches, &cp)
		}
	}
	if len(matches) == 0 {
		return nil, ErrNoActiveCredential
	}
	sortNewestFirst(matches)
	return matches[0], nil
}

func (m *MemoryStore) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok {
		return ErrCredentialNotFound
	}
	c.IsActive = false
	return nil
}

func sortNewestFirst(creds []*Credential) {
	sort.Slice(creds, func(i, j int) bool {
		if !creds[i].CreatedAt.Equal(creds[j].CreatedAt) {
			return creds[i].CreatedAt.After(creds[j].CreatedAt)
		}
		return creds[i].ID > creds[j].ID
	})
}

var _ Store = (*MemoryStore)(nil)
