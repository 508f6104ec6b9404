package policy

import "context"

// Filter narrows a policy listing to one hierarchy target. Zero-value
// fields are ignored; an empty filter matches every policy.
type Filter struct {
	OrgID        string
	WorkspaceID  string
	AgentGroupID string
	AgentID      string
}

// Store persists policies.
type Store interface {
	Create(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id string) (*Policy, error)
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]*Policy, error)

	// ListForHierarchy returns every active policy attached to any level
	// of an agent's chain, in one round trip.
	ListForHierarchy(ctx context.Context, orgID, workspaceID, agentGroupID, agentID string) ([]*Policy, error)
}
