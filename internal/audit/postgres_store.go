package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/spendgate/internal/pagination"
)

const auditColumns = `id, org_id, actor_user_id, actor_agent_id, event_type,
	resource_type, resource_id, description, metadata, created_at`

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, org_id, actor_user_id, actor_agent_id, event_type,
			resource_type, resource_id, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.OrgID, nullString(e.ActorUserID), nullString(e.ActorAgentID), e.EventType,
		nullString(e.ResourceType), nullString(e.ResourceID), nullString(e.Description),
		metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE org_id = $1`
	args := []any{f.OrgID}
	if f.EventType != "" {
		args = append(args, f.EventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CreatedAt, cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(row interface{ Scan(dest ...any) error }) (*Entry, error) {
	e := &Entry{}
	var actorUser, actorAgent, resourceType, resourceID, description sql.NullString
	var metadata []byte
	err := row.Scan(&e.ID, &e.OrgID, &actorUser, &actorAgent, &e.EventType,
		&resourceType, &resourceID, &description, &metadata, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.ActorUserID = actorUser.String
	e.ActorAgentID = actorAgent.String
	e.ResourceType = resourceType.String
	e.ResourceID = resourceID.String
	e.Description = description.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for audit entry %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func marshalMetadata(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
