package budget

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const budgetColumns = `id, org_id, workspace_id, agent_group_id, agent_id,
	period, limit_credits, auto_disable, is_active, created_at, updated_at`

// PostgresStore persists budgets in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed budget store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, b *Budget) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO budgets (id, org_id, workspace_id, agent_group_id, agent_id,
			period, limit_credits, auto_disable, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID, nullString(b.OrgID), nullString(b.WorkspaceID),
		nullString(b.AgentGroupID), nullString(b.AgentID),
		string(b.Period), b.LimitCredits, b.AutoDisable, b.IsActive,
		b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert budget: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE id = $1`, id)
	b, err := scanBudget(row)
	if err == sql.ErrNoRows {
		return nil, ErrBudgetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) Update(ctx context.Context, b *Budget) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE budgets
		SET period = $1, limit_credits = $2, auto_disable = $3, is_active = $4, updated_at = $5
		WHERE id = $6`,
		string(b.Period), b.LimitCredits, b.AutoDisable, b.IsActive, b.UpdatedAt, b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update budget: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBudgetNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM budgets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete budget: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBudgetNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Budget, error) {
	query := `SELECT ` + budgetColumns + ` FROM budgets`
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
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectBudgets(rows)
}

func (s *PostgresStore) ListForHierarchy(ctx context.Context, orgID, workspaceID, agentGroupID, agentID string) ([]*Budget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+budgetColumns+`
		FROM budgets
		WHERE is_active = TRUE
		  AND (org_id = $1 OR workspace_id = $2 OR agent_group_id = $3 OR agent_id = $4)
		ORDER BY created_at ASC`,
		orgID, workspaceID, agentGroupID, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list hierarchy budgets: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectBudgets(rows)
}

func collectBudgets(rows *sql.Rows) ([]*Budget, error) {
	var result []*Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan budget: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func scanBudget(row interface{ Scan(dest ...any) error }) (*Budget, error) {
	b := &Budget{}
	var orgID, workspaceID, agentGroupID, agentID sql.NullString
	var period string
	err := row.Scan(&b.ID, &orgID, &workspaceID, &agentGroupID, &agentID,
		&period, &b.LimitCredits, &b.AutoDisable, &b.IsActive, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.OrgID = orgID.String
	b.WorkspaceID = workspaceID.String
	b.AgentGroupID = agentGroupID.String
	b.AgentID = agentID.String
	b.Period = Period(period)
	return b, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
