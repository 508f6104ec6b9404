package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/ledger"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/usage"
)

// PostgresStore settles gateway requests in PostgreSQL. It writes the
// ledger, usage, and audit tables directly so one transaction covers the
// deduction and its paper trail, and takes the same per-group advisory
// lock as ledger.PostgresStore so admission and settlement serialize on
// one key.
type PostgresStore struct {
	db     *sql.DB
	ledger *ledger.PostgresStore
}

// NewPostgresStore creates a PostgreSQL-backed gateway store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, ledger: ledger.NewPostgresStore(db)}
}

func (s *PostgresStore) Admit(ctx context.Context, groupID string) (int64, error) {
	return s.ledger.BalanceForUpdate(ctx, groupID)
}

func (s *PostgresStore) Settle(ctx context.Context, set *Settlement) (*SettleResult, error) {
	idemKey := set.IdempotencyKey()

	// Replay fast path before contending for the group lock.
	if id, err := s.entryID(ctx, s.db, idemKey); err == nil {
		metrics.LedgerIdempotentReplaysTotal.Inc()
		return &SettleResult{Settled: true, Replayed: true, EntryID: id}, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	key, err := ledger.LockKey(set.Identity.BillingGroupID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return nil, fmt.Errorf("failed to acquire group lock: %w", err)
	}

	// A concurrent retry may have settled while we waited on the lock.
	if id, err := s.entryID(ctx, tx, idemKey); err == nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		metrics.LedgerIdempotentReplaysTotal.Inc()
		return &SettleResult{Settled: true, Replayed: true, EntryID: id}, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE group_id = $1`,
		set.Identity.BillingGroupID).Scan(&balance); err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}

	now := time.Now().UTC()

	if balance < set.Credits {
		// The provider has been called; the zero-credit usage row still
		// commits so the tokens are on record.
		if err := s.insertUsage(ctx, tx, set, usage.StatusBudgetExceeded, 0,
			"Insufficient credits after provider call", now); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		metrics.InsufficientCreditsTotal.Inc()
		return &SettleResult{Settled: false, Balance: balance}, nil
	}

	entryID := idgen.New()
	meta, err := json.Marshal(map[string]any{
		"provider":      set.Provider,
		"model":         set.Model,
		"input_tokens":  set.InputTokens,
		"output_tokens": set.OutputTokens,
		"request_id":    set.RequestID,
		"agent_id":      set.Identity.AgentID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, group_id, amount, type, idempotency_key, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entryID, set.Identity.BillingGroupID, -set.Credits, ledger.TypeUsageDeduction,
		idemKey, meta, now); err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if err := s.insertUsage(ctx, tx, set, usage.StatusSuccess, set.Credits, "", now); err != nil {
		return nil, err
	}

	auditMeta, err := json.Marshal(map[string]any{
		"request_id":      set.RequestID,
		"input_tokens":    set.InputTokens,
		"output_tokens":   set.OutputTokens,
		"credits_charged": set.Credits,
		"latency_ms":      set.LatencyMS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, org_id, actor_user_id, actor_agent_id, event_type,
			resource_type, resource_id, description, metadata, created_at)
		VALUES ($1, $2, NULL, $3, $4, NULL, NULL, $5, $6, $7)`,
		idgen.New(), set.Identity.OrgID, set.Identity.AgentID, "gateway.request",
		fmt.Sprintf("Completed %s/%s", set.Provider, set.Model), auditMeta, now); err != nil {
		return nil, fmt.Errorf("failed to insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(ledger.TypeUsageDeduction)).Inc()
	return &SettleResult{Settled: true, EntryID: entryID, Balance: balance}, nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, f *FailureRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage_events (id, user_id, group_id, agent_id, provider, model,
			input_tokens, output_tokens, total_tokens, cost_usd, credits_charged,
			latency_ms, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0, 0, 0, $7, $8, $9, $10)`,
		idgen.New(), f.Identity.OwnerUserID, f.Identity.BillingGroupID, f.Identity.AgentID,
		f.Provider, f.Model, f.LatencyMS, usage.StatusError, f.ErrorMessage, now); err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}

	meta, err := json.Marshal(map[string]any{
		"model":      f.Model,
		"request_id": f.RequestID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode audit metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, org_id, actor_user_id, actor_agent_id, event_type,
			resource_type, resource_id, description, metadata, created_at)
		VALUES ($1, $2, NULL, $3, $4, NULL, NULL, $5, $6, $7)`,
		idgen.New(), f.Identity.OrgID, f.Identity.AgentID, "gateway.request_error",
		f.ErrorMessage, meta, now); err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) entryID(ctx context.Context, q rowQuerier, idemKey string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx,
		`SELECT id FROM ledger_entries WHERE idempotency_key = $1`, idemKey).Scan(&id)
	return id, err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) insertUsage(ctx context.Context, ex execer, set *Settlement, status usage.Status, credits int64, errMsg string, now time.Time) error {
	var msg sql.NullString
	if errMsg != "" {
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	if _, err := ex.ExecContext(ctx, `
		INSERT INTO usage_events (id, user_id, group_id, agent_id, provider, model,
			input_tokens, output_tokens, total_tokens, cost_usd, credits_charged,
			latency_ms, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		idgen.New(), set.Identity.OwnerUserID, set.Identity.BillingGroupID, set.Identity.AgentID,
		set.Provider, set.Model, set.InputTokens, set.OutputTokens,
		set.InputTokens+set.OutputTokens, set.CostUSD, credits,
		set.LatencyMS, status, msg, now); err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
