package budget

import "context"

// Filter narrows a budget listing to one hierarchy target. Zero-value
// fields are ignored; an empty filter matches every budget.
type Filter struct {
	OrgID        string
	WorkspaceID  string
	AgentGroupID string
	AgentID      string
}

// Store persists budgets.
type Store interface {
	Create(ctx context.Context, b *Budget) error
	Get(ctx context.Context, id string) (*Budget, error)
	Update(ctx context.Context, b *Budget) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]*Budget, error)

	// ListForHierarchy returns every active budget attached to any level
	// of an agent's chain, in one round trip.
	ListForHierarchy(ctx context.Context, orgID, workspaceID, agentGroupID, agentID string) ([]*Budget, error)
}
