package reconciliation

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresSource reads reconciliation aggregates straight from the
// database. It implements both UsageSummer and LedgerSummer; memory
// deployments have no separate tables to drift apart and skip
// reconciliation entirely.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource creates a source over the given database.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (p *PostgresSource) SuccessCreditsByGroup(ctx context.Context) (map[string]int64, error) {
	return p.sums(ctx, `
		SELECT group_id, COALESCE(SUM(credits_charged), 0)
		FROM usage_events
		WHERE status = 'SUCCESS'
		GROUP BY group_id`)
}

// UsageDeductionsByGroup returns deduction magnitudes. Deductions are
// stored as negative amounts, so the sum is negated.
func (p *PostgresSource) UsageDeductionsByGroup(ctx context.Context) (map[string]int64, error) {
	return p.sums(ctx, `
		SELECT group_id, COALESCE(SUM(-amount), 0)
		FROM ledger_entries
		WHERE type = 'USAGE_DEDUCTION'
		GROUP BY group_id`)
}

func (p *PostgresSource) NegativeBalances(ctx context.Context) (map[string]int64, error) {
	return p.sums(ctx, `
		SELECT group_id, SUM(amount)
		FROM ledger_entries
		GROUP BY group_id
		HAVING SUM(amount) < 0`)
}

func (p *PostgresSource) sums(ctx context.Context, query string) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query group sums: %w", err)
	}
	defer rows.Close()

	sums := make(map[string]int64)
	for rows.Next() {
		var groupID string
		var total int64
		if err := rows.Scan(&groupID, &total); err != nil {
			return nil, fmt.Errorf("failed to scan group sum: %w", err)
		}
		sums[groupID] = total
	}
	return sums, rows.Err()
}

var (
	_ UsageSummer  = (*PostgresSource)(nil)
	_ LedgerSummer = (*PostgresSource)(nil)
)
