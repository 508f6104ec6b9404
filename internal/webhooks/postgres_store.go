package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, org_id, url, secret, events, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.OrgID, sub.URL, sub.Secret, events, sub.IsActive, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, org_id, url, secret, events, is_active,
	last_success, last_error, consecutive_failures, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) ListByOrg(ctx context.Context, orgID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (p *PostgresStore) ListForEvent(ctx context.Context, orgID string, t EventType) ([]*Subscription, error) {
	match, err := json.Marshal([]string{string(t)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode event filter: %w", err)
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE org_id = $1 AND is_active = TRUE AND events @> $2::jsonb`,
		orgID, match)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET
			is_active = $1,
			last_success = $2,
			last_error = NULLIF($3, ''),
			consecutive_failures = $4,
			updated_at = now()
		WHERE id = $5`,
		sub.IsActive, sub.LastSuccess, sub.LastError, sub.ConsecutiveFailures, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var events []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString
	if err := row.Scan(&sub.ID, &sub.OrgID, &sub.URL, &sub.Secret, &events, &sub.IsActive,
		&lastSuccess, &lastError, &sub.ConsecutiveFailures, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(events, &sub.Events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
