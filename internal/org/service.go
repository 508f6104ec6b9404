package org

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
)

// DefaultCreditsPerUSD applies when an org is created without an explicit
// conversion rate.
const DefaultCreditsPerUSD = 100

// slugAttempts bounds the -1, -2, ... suffix probing on slug collisions.
const slugAttempts = 50

// Auditor records control-plane actions to the audit trail.
type Auditor interface {
	LogUserEvent(ctx context.Context, orgID, actorUserID, eventType, description string, metadata map[string]any) error
}

// Service manages the hierarchy.
type Service struct {
	store   Store
	logger  *slog.Logger
	auditor Auditor
}

// NewService creates a hierarchy service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// WithAuditor wires the audit trail for control-plane events.
func (s *Service) WithAuditor(a Auditor) *Service {
	s.auditor = a
	return s
}

// Store exposes the underlying store for wiring.
func (s *Service) Store() Store {
	return s.store
}

// CreateOrganizationParams carries everything needed to bootstrap an org.
type CreateOrganizationParams struct {
	OwnerEmail    string
	OwnerName     string
	Name          string
	Description   string
	CreditsPerUSD int64
}

// CreateOrganization creates the org, its billing group and (when new) the
// owner account in one transaction. Slug collisions retry with a numeric
// suffix, matching how sibling orgs with the same name coexist.
func (s *Service) CreateOrganization(ctx context.Context, p CreateOrganizationParams) (*Organization, error) {
	if p.CreditsPerUSD <= 0 {
		p.CreditsPerUSD = DefaultCreditsPerUSD
	}
	now := time.Now().UTC()
	owner := &User{
		ID:        idgen.New(),
		Email:     p.OwnerEmail,
		Name:      p.OwnerName,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	base := Slugify(p.Name)
	for attempt := 0; attempt < slugAttempts; attempt++ {
		slug := base
		if attempt > 0 {
			slug = fmt.Sprintf("%s-%d", base, attempt)
		}

		org := &Organization{
			ID:             idgen.New(),
			Name:           p.Name,
			Slug:           slug,
			Description:    p.Description,
			BillingGroupID: idgen.New(),
			CreditsPerUSD:  p.CreditsPerUSD,
			IsActive:       true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		err := s.store.CreateOrganization(ctx, owner, org)
		if errors.Is(err, ErrSlugTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info("organization created",
			"org_id", org.ID,
			"slug", org.Slug,
			"billing_group_id", org.BillingGroupID,
			"owner_id", org.OwnerID)
		s.audit(ctx, org.ID, org.OwnerID, "org.created",
			fmt.Sprintf("Organization %q created", org.Name),
			map[string]any{"slug": org.Slug, "billingGroupId": org.BillingGroupID})
		return org, nil
	}
	return nil, ErrSlugTaken
}

// GetOrganization returns one org.
func (s *Service) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	return s.store.GetOrganization(ctx, id)
}

// ListOrganizations returns all orgs oldest-first.
func (s *Service) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	return s.store.ListOrganizations(ctx)
}

// OrgUpdate is a partial org update; nil fields are left unchanged.
type OrgUpdate struct {
	Name          *string
	Description   *string
	CreditsPerUSD *int64
	IsActive      *bool
}

// UpdateOrganization applies a partial update.
func (s *Service) UpdateOrganization(ctx context.Context, id string, u OrgUpdate) (*Organization, error) {
	o, err := s.store.GetOrganization(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		o.Name = *u.Name
	}
	if u.Description != nil {
		o.Description = *u.Description
	}
	if u.CreditsPerUSD != nil && *u.CreditsPerUSD > 0 {
		o.CreditsPerUSD = *u.CreditsPerUSD
	}
	if u.IsActive != nil {
		o.IsActive = *u.IsActive
	}
	o.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateOrganization(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// CreateWorkspace creates a workspace under an org. Slugs are unique per
// org and retried with a numeric suffix on collision.
func (s *Service) CreateWorkspace(ctx context.Context, orgID, name, description string) (*Workspace, error) {
	now := time.Now().UTC()
	base := Slugify(name)
	for attempt := 0; attempt < slugAttempts; attempt++ {
		slug := base
		if attempt > 0 {
			slug = fmt.Sprintf("%s-%d", base, attempt)
		}
		w := &Workspace{
			ID:          idgen.New(),
			OrgID:       orgID,
			Name:        name,
			Slug:        slug,
			Description: description,
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		err := s.store.CreateWorkspace(ctx, w)
		if errors.Is(err, ErrSlugTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, ErrSlugTaken
}

// GetWorkspace returns one workspace.
func (s *Service) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	return s.store.GetWorkspace(ctx, id)
}

// ListWorkspaces returns an org's workspaces oldest-first.
func (s *Service) ListWorkspaces(ctx context.Context, orgID string) ([]*Workspace, error) {
	return s.store.ListWorkspaces(ctx, orgID)
}

// LevelUpdate is a partial update shared by workspaces and agent groups.
type LevelUpdate struct {
	Name        *string
	Description *string
	IsActive    *bool
}

// UpdateWorkspace applies a partial update.
func (s *Service) UpdateWorkspace(ctx context.Context, id string, u LevelUpdate) (*Workspace, error) {
	w, err := s.store.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		w.Name = *u.Name
	}
	if u.Description != nil {
		w.Description = *u.Description
	}
	if u.IsActive != nil {
		w.IsActive = *u.IsActive
	}
	w.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateWorkspace(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// CreateAgentGroup creates a fleet under a workspace.
func (s *Service) CreateAgentGroup(ctx context.Context, workspaceID, name, description string) (*AgentGroup, error) {
	now := time.Now().UTC()
	g := &AgentGroup{
		ID:          idgen.New(),
		WorkspaceID: workspaceID,
		Name:        name,
		Description: description,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateAgentGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// GetAgentGroup returns one agent group.
func (s *Service) GetAgentGroup(ctx context.Context, id string) (*AgentGroup, error) {
	return s.store.GetAgentGroup(ctx, id)
}

// ListAgentGroups returns a workspace's agent groups oldest-first.
func (s *Service) ListAgentGroups(ctx context.Context, workspaceID string) ([]*AgentGroup, error) {
	return s.store.ListAgentGroups(ctx, workspaceID)
}

// UpdateAgentGroup applies a partial update.
func (s *Service) UpdateAgentGroup(ctx context.Context, id string, u LevelUpdate) (*AgentGroup, error) {
	g, err := s.store.GetAgentGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		g.Name = *u.Name
	}
	if u.Description != nil {
		g.Description = *u.Description
	}
	if u.IsActive != nil {
		g.IsActive = *u.IsActive
	}
	g.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateAgentGroup(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// CreateAgent registers a workload identity in a group.
func (s *Service) CreateAgent(ctx context.Context, agentGroupID, name, description string) (*Agent, error) {
	now := time.Now().UTC()
	a := &Agent{
		ID:           idgen.New(),
		AgentGroupID: agentGroupID,
		Name:         name,
		Description:  description,
		Status:       AgentActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAgent(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// GetAgent returns one agent.
func (s *Service) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.store.GetAgent(ctx, id)
}

// ListAgents returns a group's agents oldest-first.
func (s *Service) ListAgents(ctx context.Context, agentGroupID string) ([]*Agent, error) {
	return s.store.ListAgents(ctx, agentGroupID)
}

// AgentUpdate is a partial agent update; setting Status back to ACTIVE
// re-enables a disabled or budget-exhausted agent.
type AgentUpdate struct {
	Name        *string
	Description *string
	Status      *AgentStatus
}

// UpdateAgent applies a partial update.
func (s *Service) UpdateAgent(ctx context.Context, id string, u AgentUpdate) (*Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		a.Name = *u.Name
	}
	if u.Description != nil {
		a.Description = *u.Description
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return nil, fmt.Errorf("org: invalid agent status %q", *u.Status)
		}
		a.Status = *u.Status
	}
	a.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ResolvePath loads an agent's chain with active flags, for the gateway's
// per-request hierarchy check.
func (s *Service) ResolvePath(ctx context.Context, agentID string) (*Path, error) {
	return s.store.ResolvePath(ctx, agentID)
}

// ChainIDsForAgent returns just the ancestor IDs of an agent. The policy
// and budget lookups key off these.
func (s *Service) ChainIDsForAgent(ctx context.Context, agentID string) (orgID, workspaceID, agentGroupID string, err error) {
	p, err := s.store.ResolvePath(ctx, agentID)
	if err != nil {
		return "", "", "", err
	}
	return p.OrgID, p.WorkspaceID, p.AgentGroupID, nil
}

// DisableTarget turns off one hierarchy row. Agents record the reason as
// BUDGET_EXHAUSTED; higher levels flip is_active. Children are untouched:
// the chain check refuses them while the parent is off.
func (s *Service) DisableTarget(ctx context.Context, level, id string) error {
	now := time.Now().UTC()
	switch level {
	case "agent":
		a, err := s.store.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		a.Status = AgentBudgetExhausted
		a.UpdatedAt = now
		return s.store.UpdateAgent(ctx, a)
	case "agent_group":
		g, err := s.store.GetAgentGroup(ctx, id)
		if err != nil {
			return err
		}
		g.IsActive = false
		g.UpdatedAt = now
		return s.store.UpdateAgentGroup(ctx, g)
	case "workspace":
		w, err := s.store.GetWorkspace(ctx, id)
		if err != nil {
			return err
		}
		w.IsActive = false
		w.UpdatedAt = now
		return s.store.UpdateWorkspace(ctx, w)
	case "organization":
		o, err := s.store.GetOrganization(ctx, id)
		if err != nil {
			return err
		}
		o.IsActive = false
		o.UpdatedAt = now
		return s.store.UpdateOrganization(ctx, o)
	default:
		return fmt.Errorf("org: unknown disable level %q", level)
	}
}

func (s *Service) audit(ctx context.Context, orgID, actorUserID, eventType, description string, metadata map[string]any) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.LogUserEvent(ctx, orgID, actorUserID, eventType, description, metadata); err != nil {
		s.logger.Warn("failed to record audit event", "event_type", eventType, "error", err)
	}
}
