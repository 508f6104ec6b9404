// Package ledger is the append-only credit accounting core.
//
// Flow:
//  1. An organization's billing group is funded (purchase, adjustment, refund)
//  2. The gateway deducts credits for metered provider usage
//  3. Balance is always the sum of signed entry amounts, never a stored total
//  4. Idempotency keys make every write replay-safe
//
// Concurrent deductions on one group serialize through a Postgres advisory
// transaction lock derived from the group UUID, so a balance check and its
// deduction are atomic without serializable isolation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/spendgate/internal/metrics"
	"github.com/mbd888/spendgate/internal/pagination"
)

var (
	ErrInvalidAmount          = errors.New("ledger: invalid amount")
	ErrInvalidEntryType       = errors.New("ledger: invalid entry type")
	ErrIdempotencyKeyRequired = errors.New("ledger: idempotency key required")
	ErrEntryNotFound          = errors.New("ledger: entry not found")
)

// InsufficientCreditsError reports a deduction that would overdraw a group.
type InsufficientCreditsError struct {
	GroupID  string
	Balance  int64
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("ledger: insufficient credits: balance=%d required=%d", e.Balance, e.Required)
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	TypeCreditPurchase EntryType = "CREDIT_PURCHASE"
	TypeUsageDeduction EntryType = "USAGE_DEDUCTION"
	TypeAdjustment     EntryType = "ADJUSTMENT"
	TypeRefund         EntryType = "REFUND"
)

// Valid reports whether the entry type is one of the known values.
func (t EntryType) Valid() bool {
	switch t {
	case TypeCreditPurchase, TypeUsageDeduction, TypeAdjustment, TypeRefund:
		return true
	}
	return false
}

// Entry is one immutable row in a group's ledger. Amount is signed: positive
// entries fund the group, negative entries spend from it.
type Entry struct {
	ID             string         `json:"id"`
	GroupID        string         `json:"groupId"`
	Amount         int64          `json:"amount"`
	Type           EntryType      `json:"type"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Store persists ledger entries.
type Store interface {
	// Balance returns the sum of all entry amounts for the group
	// (zero for groups with no entries).
	Balance(ctx context.Context, groupID string) (int64, error)

	// BalanceForUpdate reads the balance under the group's advisory lock in
	// a short transaction of its own. The lock is released on return; it
	// exists to serialize concurrent admission checks, not to hold state.
	BalanceForUpdate(ctx context.Context, groupID string) (int64, error)

	// Append inserts an entry with the given signed amount. When
	// idempotencyKey is non-empty and already present, the existing entry is
	// returned unchanged.
	Append(ctx context.Context, groupID string, amount int64, typ EntryType, idempotencyKey string, metadata map[string]any) (*Entry, error)

	// Deduct atomically checks the balance under the group's advisory lock
	// and appends a negative USAGE_DEDUCTION entry. Replays of an existing
	// idempotency key return the original entry without locking.
	Deduct(ctx context.Context, groupID string, amount int64, idempotencyKey string, metadata map[string]any) (*Entry, error)

	// History returns entries newest-first, from the cursor position.
	// Callers pass limit+1 to detect further pages.
	History(ctx context.Context, groupID string, cursor *pagination.Cursor, limit int) ([]*Entry, error)
}

// Ledger validates and records credit movements.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a ledger service.
func New(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// Balance returns a group's current balance.
func (l *Ledger) Balance(ctx context.Context, groupID string) (int64, error) {
	return l.store.Balance(ctx, groupID)
}

// BalanceForUpdate reads the balance under the group's advisory lock.
// Used by the gateway as the admission gate for concurrent requests.
func (l *Ledger) BalanceForUpdate(ctx context.Context, groupID string) (int64, error) {
	return l.store.BalanceForUpdate(ctx, groupID)
}

// Append records a signed entry. Purchases, adjustments and refunds all go
// through here; deductions use Deduct so the overdraft check cannot be bypassed.
func (l *Ledger) Append(ctx context.Context, groupID string, amount int64, typ EntryType, idempotencyKey string, metadata map[string]any) (*Entry, error) {
	if !typ.Valid() {
		return nil, ErrInvalidEntryType
	}

	entry, err := l.store.Append(ctx, groupID, amount, typ, idempotencyKey, metadata)
	if err != nil {
		return nil, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(entry.Type)).Inc()
	l.logger.Info("ledger entry appended",
		"group_id", groupID,
		"amount", entry.Amount,
		"type", entry.Type,
		"entry_id", entry.ID)
	return entry, nil
}

// Deduct spends credits from a group. Amount must be positive; the stored
// entry carries -amount. The idempotency key is mandatory so retried
// settlements can never double-charge.
func (l *Ledger) Deduct(ctx context.Context, groupID string, amount int64, idempotencyKey string, metadata map[string]any) (*Entry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if idempotencyKey == "" {
		return nil, ErrIdempotencyKeyRequired
	}

	entry, err := l.store.Deduct(ctx, groupID, amount, idempotencyKey, metadata)
	if err != nil {
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			metrics.InsufficientCreditsTotal.Inc()
			l.logger.Warn("deduction refused",
				"group_id", groupID,
				"balance", insufficient.Balance,
				"required", insufficient.Required)
		}
		return nil, err
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(TypeUsageDeduction)).Inc()
	return entry, nil
}

// History returns a page of entries for a group, newest first.
func (l *Ledger) History(ctx context.Context, groupID string, cursor *pagination.Cursor, limit int) ([]*Entry, string, bool, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := l.store.History(ctx, groupID, cursor, limit+1)
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, more, nil
}
