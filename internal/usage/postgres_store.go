package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/spendgate/internal/pagination"
)

const eventColumns = `id, user_id, group_id, agent_id, provider, model,
	input_tokens, output_tokens, total_tokens, cost_usd, credits_charged,
	latency_ms, status, error_message, created_at`

// PostgresStore persists usage events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, e *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (id, user_id, group_id, agent_id, provider, model,
			input_tokens, output_tokens, total_tokens, cost_usd, credits_charged,
			latency_ms, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.UserID, e.GroupID, nullString(e.AgentID), e.Provider, e.Model,
		e.InputTokens, e.OutputTokens, e.TotalTokens, e.CostUSD, e.CreditsCharged,
		e.LatencyMS, e.Status, nullString(e.ErrorMessage), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, groupID string, cursor *pagination.Cursor, limit int) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM usage_events WHERE group_id = $1`
	args := []any{groupID}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) SumCredits(ctx context.Context, groupID string, since time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(credits_charged), 0)
		FROM usage_events
		WHERE group_id = $1 AND created_at >= $2`,
		groupID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage credits: %w", err)
	}
	return total, nil
}

// SumSuccessSubtree scopes the sum by expanding the hierarchy level into
// its agent set. Events without an agent never match a subtree.
func (s *PostgresStore) SumSuccessSubtree(ctx context.Context, f SubtreeFilter, since time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(credits_charged), 0) FROM usage_events WHERE status = 'SUCCESS'`
	var args []any

	switch {
	case f.AgentID != "":
		args = append(args, f.AgentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	case f.AgentGroupID != "":
		args = append(args, f.AgentGroupID)
		query += fmt.Sprintf(` AND agent_id IN (
			SELECT id FROM agents WHERE agent_group_id = $%d)`, len(args))
	case f.WorkspaceID != "":
		args = append(args, f.WorkspaceID)
		query += fmt.Sprintf(` AND agent_id IN (
			SELECT a.id FROM agents a
			JOIN agent_groups g ON a.agent_group_id = g.id
			WHERE g.workspace_id = $%d)`, len(args))
	case f.OrgID != "":
		args = append(args, f.OrgID)
		query += fmt.Sprintf(` AND agent_id IN (
			SELECT a.id FROM agents a
			JOIN agent_groups g ON a.agent_group_id = g.id
			JOIN workspaces w ON g.workspace_id = w.id
			WHERE w.org_id = $%d)`, len(args))
	}

	if !since.IsZero() {
		args = append(args, since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum subtree usage: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) TopAgents(ctx context.Context, groupID string, since time.Time, limit int) ([]*AgentTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, SUM(credits_charged) AS total
		FROM usage_events
		WHERE group_id = $1 AND agent_id IS NOT NULL AND created_at >= $2
		GROUP BY agent_id
		ORDER BY total DESC
		LIMIT $3`,
		groupID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var totals []*AgentTotal
	for rows.Next() {
		at := &AgentTotal{}
		if err := rows.Scan(&at.AgentID, &at.Credits); err != nil {
			return nil, fmt.Errorf("failed to scan agent total: %w", err)
		}
		totals = append(totals, at)
	}
	return totals, rows.Err()
}

func scanEvent(row interface{ Scan(dest ...any) error }) (*Event, error) {
	e := &Event{}
	var agentID, errorMessage sql.NullString
	var latency sql.NullInt64
	err := row.Scan(&e.ID, &e.UserID, &e.GroupID, &agentID, &e.Provider, &e.Model,
		&e.InputTokens, &e.OutputTokens, &e.TotalTokens, &e.CostUSD, &e.CreditsCharged,
		&latency, &e.Status, &errorMessage, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.AgentID = agentID.String
	e.ErrorMessage = errorMessage.String
	e.LatencyMS = latency.Int64
	return e, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
