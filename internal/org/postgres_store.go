package org

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists the hierarchy in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed hierarchy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateOrganization(ctx context.Context, owner *User, org *Organization) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Reuse the account when the email is already registered.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, name, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $4)
		ON CONFLICT (email) DO NOTHING`,
		owner.ID, owner.Email, owner.Name, owner.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert owner: %w", err)
	}
	row := tx.QueryRowContext(ctx, `
		SELECT id, email, name, is_active, created_at, updated_at
		FROM users WHERE email = $1`, owner.Email)
	if err := row.Scan(&owner.ID, &owner.Email, &owner.Name, &owner.IsActive,
		&owner.CreatedAt, &owner.UpdatedAt); err != nil {
		return fmt.Errorf("failed to load owner: %w", err)
	}
	org.OwnerID = owner.ID

	_, err = tx.ExecContext(ctx, `
		INSERT INTO groups (id, name, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)`,
		org.BillingGroupID, "[Billing] "+org.Name, owner.ID, org.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create billing group: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO organizations (id, name, slug, description, owner_id,
			billing_group_id, credits_per_usd, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		org.ID, org.Name, org.Slug, org.Description, org.OwnerID,
		org.BillingGroupID, org.CreditsPerUSD, org.IsActive, org.CreatedAt, org.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlugTaken
		}
		return fmt.Errorf("failed to create organization: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const orgColumns = `id, name, slug, description, owner_id, billing_group_id,
	credits_per_usd, is_active, created_at, updated_at`

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	return scanOrg(s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id))
}

func (s *PostgresStore) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orgColumns+` FROM organizations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query organizations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var orgs []*Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

func (s *PostgresStore) UpdateOrganization(ctx context.Context, o *Organization) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET name = $1, description = $2, credits_per_usd = $3, is_active = $4, updated_at = $5
		WHERE id = $6`,
		o.Name, o.Description, o.CreditsPerUSD, o.IsActive, o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("failed to update organization: %w", err)
	}
	return requireRow(result, ErrOrgNotFound)
}

func (s *PostgresStore) CreateWorkspace(ctx context.Context, w *Workspace) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, org_id, name, slug, description, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, w.OrgID, w.Name, w.Slug, w.Description, w.IsActive, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSlugTaken
		}
		if isForeignKeyViolation(err) {
			return ErrOrgNotFound
		}
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

const workspaceColumns = `id, org_id, name, slug, description, is_active, created_at, updated_at`

func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	return scanWorkspace(s.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id))
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context, orgID string) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workspaces []*Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, w *Workspace) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workspaces
		SET name = $1, description = $2, is_active = $3, updated_at = $4
		WHERE id = $5`,
		w.Name, w.Description, w.IsActive, w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update workspace: %w", err)
	}
	return requireRow(result, ErrWorkspaceNotFound)
}

func (s *PostgresStore) CreateAgentGroup(ctx context.Context, g *AgentGroup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_groups (id, workspace_id, name, description, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.WorkspaceID, g.Name, g.Description, g.IsActive, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrWorkspaceNotFound
		}
		return fmt.Errorf("failed to create agent group: %w", err)
	}
	return nil
}

const agentGroupColumns = `id, workspace_id, name, description, is_active, created_at, updated_at`

func (s *PostgresStore) GetAgentGroup(ctx context.Context, id string) (*AgentGroup, error) {
	return scanAgentGroup(s.db.QueryRowContext(ctx,
		`SELECT `+agentGroupColumns+` FROM agent_groups WHERE id = $1`, id))
}

func (s *PostgresStore) ListAgentGroups(ctx context.Context, workspaceID string) ([]*AgentGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentGroupColumns+` FROM agent_groups WHERE workspace_id = $1 ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*AgentGroup
	for rows.Next() {
		g, err := scanAgentGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *PostgresStore) UpdateAgentGroup(ctx context.Context, g *AgentGroup) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agent_groups
		SET name = $1, description = $2, is_active = $3, updated_at = $4
		WHERE id = $5`,
		g.Name, g.Description, g.IsActive, g.UpdatedAt, g.ID)
	if err != nil {
		return fmt.Errorf("failed to update agent group: %w", err)
	}
	return requireRow(result, ErrAgentGroupNotFound)
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, agent_group_id, name, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.AgentGroupID, a.Name, a.Description, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrAgentGroupNotFound
		}
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

const agentColumns = `id, agent_group_id, name, description, status, created_at, updated_at`

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

func (s *PostgresStore) ListAgents(ctx context.Context, agentGroupID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_group_id = $1 ORDER BY created_at`, agentGroupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, a *Agent) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET name = $1, description = $2, status = $3, updated_at = $4
		WHERE id = $5`,
		a.Name, a.Description, a.Status, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return requireRow(result, ErrAgentNotFound)
}

func (s *PostgresStore) ResolvePath(ctx context.Context, agentID string) (*Path, error) {
	p := &Path{}
	err := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.status,
			g.id, g.is_active,
			w.id, w.is_active,
			o.id, o.is_active, o.owner_id, o.billing_group_id, o.credits_per_usd
		FROM agents a
		JOIN agent_groups g ON a.agent_group_id = g.id
		JOIN workspaces w ON g.workspace_id = w.id
		JOIN organizations o ON w.org_id = o.id
		WHERE a.id = $1`, agentID).Scan(
		&p.AgentID, &p.AgentStatus,
		&p.AgentGroupID, &p.AgentGroupActive,
		&p.WorkspaceID, &p.WorkspaceActive,
		&p.OrgID, &p.OrgActive, &p.OwnerUserID, &p.BillingGroupID, &p.CreditsPerUSD)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agent path: %w", err)
	}
	return p, nil
}

func scanOrg(row interface{ Scan(dest ...any) error }) (*Organization, error) {
	o := &Organization{}
	err := row.Scan(&o.ID, &o.Name, &o.Slug, &o.Description, &o.OwnerID,
		&o.BillingGroupID, &o.CreditsPerUSD, &o.IsActive, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrgNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan organization: %w", err)
	}
	return o, nil
}

func scanWorkspace(row interface{ Scan(dest ...any) error }) (*Workspace, error) {
	w := &Workspace{}
	err := row.Scan(&w.ID, &w.OrgID, &w.Name, &w.Slug, &w.Description,
		&w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace: %w", err)
	}
	return w, nil
}

func scanAgentGroup(row interface{ Scan(dest ...any) error }) (*AgentGroup, error) {
	g := &AgentGroup{}
	err := row.Scan(&g.ID, &g.WorkspaceID, &g.Name, &g.Description,
		&g.IsActive, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent group: %w", err)
	}
	return g, nil
}

func scanAgent(row interface{ Scan(dest ...any) error }) (*Agent, error) {
	a := &Agent{}
	err := row.Scan(&a.ID, &a.AgentGroupID, &a.Name, &a.Description,
		&a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return a, nil
}

func requireRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

var _ Store = (*PostgresStore)(nil)
