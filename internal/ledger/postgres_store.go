package ledger

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/pagination"
)

// PostgresStore persists ledger entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// LockKey derives the advisory lock key for a group: the low 31 bits of its
// UUID, so every process computes the same key for the same group. Distinct
// groups may collide; a collision only serializes two unrelated deductions.
// The gateway settlement store uses the same derivation so admission and
// settlement serialize on one key.
func LockKey(groupID string) (int64, error) {
	u, err := uuid.Parse(groupID)
	if err != nil {
		return 0, fmt.Errorf("ledger: invalid group id %q: %w", groupID, err)
	}
	return int64(binary.BigEndian.Uint32(u[12:16]) & 0x7fffffff), nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) Balance(ctx context.Context, groupID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE group_id = $1`,
		groupID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) BalanceForUpdate(ctx context.Context, groupID string) (int64, error) {
	key, err := LockKey(groupID)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return 0, fmt.Errorf("failed to acquire group lock: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE group_id = $1`,
		groupID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) Append(ctx context.Context, groupID string, amount int64, typ EntryType, idempotencyKey string, metadata map[string]any) (*Entry, error) {
	if idempotencyKey != "" {
		existing, err := entryByIdempotencyKey(ctx, s.db, idempotencyKey)
		if err == nil {
			metrics.LedgerIdempotentReplaysTotal.Inc()
			return existing, nil
		}
		if !errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}
	}

	entry := &Entry{
		ID:             idgen.New(),
		GroupID:        groupID,
		Amount:         amount,
		Type:           typ,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if err := insertEntry(ctx, s.db, entry); err != nil {
		if isUniqueViolation(err) && idempotencyKey != "" {
			metrics.LedgerIdempotentReplaysTotal.Inc()
			return entryByIdempotencyKey(ctx, s.db, idempotencyKey)
		}
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Deduct(ctx context.Context, groupID string, amount int64, idempotencyKey string, metadata map[string]any) (*Entry, error) {
	// Replay fast path: a settled retry returns the original entry without
	// contending for the group lock.
	existing, err := entryByIdempotencyKey(ctx, s.db, idempotencyKey)
	if err == nil {
		metrics.LedgerIdempotentReplaysTotal.Inc()
		return existing, nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}

	key, err := LockKey(groupID)
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
	if existing, err := entryByIdempotencyKey(ctx, tx, idempotencyKey); err == nil {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		metrics.LedgerIdempotentReplaysTotal.Inc()
		return existing, nil
	} else if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}

	var balance int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE group_id = $1`,
		groupID).Scan(&balance); err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}
	if balance < amount {
		return nil, &InsufficientCreditsError{GroupID: groupID, Balance: balance, Required: amount}
	}

	entry := &Entry{
		ID:             idgen.New(),
		GroupID:        groupID,
		Amount:         -amount,
		Type:           TypeUsageDeduction,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			metrics.LedgerIdempotentReplaysTotal.Inc()
			return entryByIdempotencyKey(ctx, s.db, idempotencyKey)
		}
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) History(ctx context.Context, groupID string, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, group_id, amount, type, idempotency_key, metadata, created_at
			FROM ledger_entries
			WHERE group_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`,
			groupID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, group_id, amount, type, idempotency_key, metadata, created_at
			FROM ledger_entries
			WHERE group_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`,
			groupID, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func entryByIdempotencyKey(ctx context.Context, q rowQuerier, idempotencyKey string) (*Entry, error) {
	entry, err := scanEntry(q.QueryRowContext(ctx, `
		SELECT id, group_id, amount, type, idempotency_key, metadata, created_at
		FROM ledger_entries
		WHERE idempotency_key = $1`,
		idempotencyKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entry: %w", err)
	}
	return entry, nil
}

func insertEntry(ctx context.Context, ex execer, e *Entry) error {
	var meta []byte
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode entry metadata: %w", err)
		}
		meta = raw
	}
	var key sql.NullString
	if e.IdempotencyKey != "" {
		key = sql.NullString{String: e.IdempotencyKey, Valid: true}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, group_id, amount, type, idempotency_key, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.GroupID, e.Amount, e.Type, key, meta, e.CreatedAt)
	return err
}

func scanEntry(row interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		entry   Entry
		key     sql.NullString
		metaRaw []byte
	)
	if err := row.Scan(&entry.ID, &entry.GroupID, &entry.Amount, &entry.Type, &key, &metaRaw, &entry.CreatedAt); err != nil {
		return nil, err
	}
	entry.IdempotencyKey = key.String
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode entry metadata: %w", err)
		}
	}
	return &entry, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
