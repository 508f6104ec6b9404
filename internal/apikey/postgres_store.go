package apikey

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

const keyColumns = `id, agent_id, name, key_hash, key_suffix, is_active, revoked_reason, created_at`

// PostgresStore persists API keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, k *Key) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		k.ID, k.AgentID, k.Name, k.Hash, k.Suffix, k.IsActive,
		nullString(k.RevokedReason), k.CreatedAt)
	if isForeignKeyViolation(err) {
		return ErrAgentNotFound
	}
	return err
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id)
	return scanKey(row)
}

// GetByHash returns the key regardless of active state; the service
// decides whether revoked means rejected.
func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (*Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys WHERE key_hash = $1`, hash)
	return scanKey(row)
}

func (s *PostgresStore) ListByAgent(ctx context.Context, agentID string) ([]*Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+keyColumns+` FROM api_keys
		WHERE agent_id = $1
		ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) Revoke(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET is_active = FALSE, revoked_reason = $2 WHERE id = $1`,
		id, nullString(reason))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func scanKey(row interface{ Scan(dest ...any) error }) (*Key, error) {
	k := &Key{}
	var reason sql.NullString
	err := row.Scan(&k.ID, &k.AgentID, &k.Name, &k.Hash, &k.Suffix,
		&k.IsActive, &reason, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	k.RevokedReason = reason.String
	return k, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
