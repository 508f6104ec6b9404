package org

import "context"

// Store persists the hierarchy.
type Store interface {
	// CreateOrganization inserts the owner (when their email is new), the
	// billing group and the organization in one transaction. When the
	// email is already registered, owner is overwritten in place with the
	// stored row and the org attaches to it.
	CreateOrganization(ctx context.Context, owner *User, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	ListOrganizations(ctx context.Context) ([]*Organization, error)
	UpdateOrganization(ctx context.Context, o *Organization) error

	CreateWorkspace(ctx context.Context, w *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	ListWorkspaces(ctx context.Context, orgID string) ([]*Workspace, error)
	UpdateWorkspace(ctx context.Context, w *Workspace) error

	CreateAgentGroup(ctx context.Context, g *AgentGroup) error
	GetAgentGroup(ctx context.Context, id string) (*AgentGroup, error)
	ListAgentGroups(ctx context.Context, workspaceID string) ([]*AgentGroup, error)
	UpdateAgentGroup(ctx context.Context, g *AgentGroup) error

	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, agentGroupID string) ([]*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error

	// ResolvePath loads an agent's chain with its active flags in one
	// round trip.
	ResolvePath(ctx context.Context, agentID string) (*Path, error)
}
