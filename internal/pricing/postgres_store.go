package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/spendgate/internal/idgen"
)

// PostgresStore persists pricing rules in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed pricing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = idgen.New()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pricing_rules (id, provider, model, input_cost_per_1k, output_cost_per_1k, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rule.ID, rule.Provider, rule.Model, rule.InputCostPer1K, rule.OutputCostPer1K, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrRuleExists
		}
		return fmt.Errorf("failed to insert pricing rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, rule *Rule) error {
	rule.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE pricing_rules
		SET input_cost_per_1k = $1, output_cost_per_1k = $2, updated_at = $3
		WHERE id = $4`,
		rule.InputCostPer1K, rule.OutputCostPer1K, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update pricing rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pricing_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pricing rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *PostgresStore) GetByModel(ctx context.Context, provider, model string) (*Rule, error) {
	var rule Rule
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider, model, input_cost_per_1k, output_cost_per_1k, created_at, updated_at
		FROM pricing_rules
		WHERE provider = $1 AND model = $2`,
		provider, model).Scan(
		&rule.ID, &rule.Provider, &rule.Model,
		&rule.InputCostPer1K, &rule.OutputCostPer1K,
		&rule.CreatedAt, &rule.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pricing rule: %w", err)
	}
	return &rule, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, model, input_cost_per_1k, output_cost_per_1k, created_at, updated_at
		FROM pricing_rules
		ORDER BY provider, model`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pricing rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(
			&rule.ID, &rule.Provider, &rule.Model,
			&rule.InputCostPer1K, &rule.OutputCostPer1K,
			&rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pricing rule: %w", err)
		}
		rules = append(rules, &rule)
	}
	return rules, rows.Err()
}
