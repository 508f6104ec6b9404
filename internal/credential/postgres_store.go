package credential

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

const credentialColumns = `id, org_id, provider, mode, encrypted_api_key, label, is_active, created_at, updated_at`

// PostgresStore persists credentials in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed credential store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, c *Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_credentials (`+credentialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.OrgID, c.Provider, c.Mode, c.EncryptedKey, c.Label,
		c.IsActive, c.CreatedAt, c.UpdatedAt)
	if isForeignKeyViolation(err) {
		return ErrOrgNotFound
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM provider_credentials WHERE id = $1`, id)
	return scanCredential(row)
}

func (s *PostgresStore) ListByOrg(ctx context.Context, orgID string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM provider_credentials
		WHERE org_id = $1
		ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (s *PostgresStore) NewestActive(ctx context.Context, orgID, provider string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM provider_credentials
		WHERE org_id = $1 AND provider = $2 AND is_active = TRUE
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, orgID, provider)
	c, err := scanCredential(row)
	if errors.Is(err, ErrCredentialNotFound) {
		return nil, ErrNoActiveCredential
	}
	return c, err
}

func (s *PostgresStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE provider_credentials
		SET is_active = FALSE, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func scanCredential(row interface{ Scan(dest ...any) error }) (*Credential, error) {
	c := &Credential{}
	err := row.Scan(&c.ID, &c.OrgID, &c.Provider, &c.Mode, &c.EncryptedKey,
		&c.Label, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23503"
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
