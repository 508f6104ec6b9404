package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

const policyColumns = `id, name, org_id, workspace_id, agent_group_id, agent_id,
	allowed_models, max_input_tokens, max_output_tokens, rpm_limit, is_active, created_at, updated_at`

// PostgresStore persists policies in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, p *Policy) error {
	models, err := marshalModels(p.AllowedModels)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed models: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, name, org_id, workspace_id, agent_group_id, agent_id,
			allowed_models, max_input_tokens, max_output_tokens, rpm_limit, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.Name, nullString(p.OrgID), nullString(p.WorkspaceID),
		nullString(p.AgentGroupID), nullString(p.AgentID),
		models, nullInt64(p.MaxInputTokens), nullInt64(p.MaxOutputTokens),
		nullInt64(p.RPMLimit), p.IsActive, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Update(ctx context.Context, p *Policy) error {
	models, err := marshalModels(p.AllowedModels)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed models: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE policies
		SET name = $1, allowed_models = $2, max_input_tokens = $3,
			max_output_tokens = $4, rpm_limit = $5, is_active = $6, updated_at = $7
		WHERE id = $8`,
		p.Name, models, nullInt64(p.MaxInputTokens), nullInt64(p.MaxOutputTokens),
		nullInt64(p.RPMLimit), p.IsActive, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies`
	var conds []string
	var args []any
	for _, c := range []struct {
		col string
		val string
	}{
		{"org_id", f.OrgID},
		{"workspace_id", f.WorkspaceID},
		{"agent_group_id", f.AgentGroupID},
		{"agent_id", f.AgentID},
	} {
		if c.val != "" {
			args = append(args, c.val)
			conds = append(conds, fmt.Sprintf("%s = $%d", c.col, len(args)))
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectPolicies(rows)
}

func (s *PostgresStore) ListForHierarchy(ctx context.Context, orgID, workspaceID, agentGroupID, agentID string) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+`
		FROM policies
		WHERE is_active = TRUE
		  AND (org_id = $1 OR workspace_id = $2 OR agent_group_id = $3 OR agent_id = $4)
		ORDER BY created_at ASC`,
		orgID, workspaceID, agentGroupID, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list hierarchy policies: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectPolicies(rows)
}

func collectPolicies(rows *sql.Rows) ([]*Policy, error) {
	var result []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanPolicy(row interface{ Scan(dest ...any) error }) (*Policy, error) {
	p := &Policy{}
	var orgID, workspaceID, agentGroupID, agentID sql.NullString
	var models []byte
	var maxIn, maxOut, rpm sql.NullInt64
	err := row.Scan(&p.ID, &p.Name, &orgID, &workspaceID, &agentGroupID, &agentID,
		&models, &maxIn, &maxOut, &rpm, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.OrgID = orgID.String
	p.WorkspaceID = workspaceID.String
	p.AgentGroupID = agentGroupID.String
	p.AgentID = agentID.String
	if models != nil {
		if err := json.Unmarshal(models, &p.AllowedModels); err != nil {
			return nil, fmt.Errorf("corrupt allowed_models for policy %s: %w", p.ID, err)
		}
	}
	p.MaxInputTokens = int64Ptr(maxIn)
	p.MaxOutputTokens = int64Ptr(maxOut)
	p.RPMLimit = int64Ptr(rpm)
	return p, nil
}

// marshalModels keeps the nil/empty distinction: nil means every model is
// allowed and is stored as NULL, an empty list blocks every model.
func marshalModels(models []string) (any, error) {
	if models == nil {
		return nil, nil
	}
	return json.Marshal(models)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

var _ Store = (*PostgresStore)(nil)
