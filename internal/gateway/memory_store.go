package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mbd888/spendgate/internal/audit"
	"github.com/mbd888/spendgate/internal/ledger"
	"github.com/mbd888/spendgate/internal/usage"
)

// MemoryStore settles gateway requests against the in-memory ledger,
// usage, and audit services for dev mode and tests. Sharing the service
// instances matters: budget windows sum the same usage store this
// settlement writes to.
type MemoryStore struct {
	mu      sync.Mutex
	ledger  ledger.Store
	usage   *usage.Service
	audit   *audit.Recorder
	settled map[string]string // idempotency key -> entry ID
}

// NewMemoryStore creates a gateway store over in-memory backends.
func NewMemoryStore(ledgerStore ledger.Store, usageSvc *usage.Service, auditRec *audit.Recorder) *MemoryStore {
	return &MemoryStore{
		ledger:  ledgerStore,
		usage:   usageSvc,
		audit:   auditRec,
		settled: make(map[string]string),
	}
}

func (m *MemoryStore) Admit(ctx context.Context, groupID string) (int64, error) {
	return m.ledger.BalanceForUpdate(ctx, groupID)
}

func (m *MemoryStore) Settle(ctx context.Context, set *Settlement) (*SettleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idemKey := set.IdempotencyKey()
	if id, ok := m.settled[idemKey]; ok {
		return &SettleResult{Settled: true, Replayed: true, EntryID: id}, nil
	}

	balance, err := m.ledger.Balance(ctx, set.Identity.BillingGroupID)
	if err != nil {
		return nil, err
	}

	entry, err := m.ledger.Deduct(ctx, set.Identity.BillingGroupID, set.Credits, idemKey, map[string]any{
		"provider":      set.Provider,
		"model":         set.Model,
		"input_tokens":  set.InputTokens,
		"output_tokens": set.OutputTokens,
		"request_id":    set.RequestID,
		"agent_id":      set.Identity.AgentID,
	})
	if err != nil {
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			if rerr := m.usage.Record(ctx, m.usageEvent(set, usage.StatusBudgetExceeded, 0,
				"Insufficient credits after provider call")); rerr != nil {
				return nil, rerr
			}
			return &SettleResult{Settled: false, Balance: insufficient.Balance}, nil
		}
		return nil, err
	}

	if err := m.usage.Record(ctx, m.usageEvent(set, usage.StatusSuccess, set.Credits, "")); err != nil {
		return nil, err
	}
	if err := m.audit.LogEvent(ctx, set.Identity.OrgID, set.Identity.AgentID, "gateway.request",
		fmt.Sprintf("Completed %s/%s", set.Provider, set.Model), map[string]any{
			"request_id":      set.RequestID,
			"input_tokens":    set.InputTokens,
			"output_tokens":   set.OutputTokens,
			"credits_charged": set.Credits,
			"latency_ms":      set.LatencyMS,
		}); err != nil {
		return nil, err
	}

	m.settled[idemKey] = entry.ID
	return &SettleResult{Settled: true, EntryID: entry.ID, Balance: balance}, nil
}

func (m *MemoryStore) RecordFailure(ctx context.Context, f *FailureRecord) error {
	e := &usage.Event{
		UserID:       f.Identity.OwnerUserID,
		GroupID:      f.Identity.BillingGroupID,
		AgentID:      f.Identity.AgentID,
		Provider:     f.Provider,
		Model:        f.Model,
		LatencyMS:    f.LatencyMS,
		Status:       usage.StatusError,
		ErrorMessage: f.ErrorMessage,
	}
	if err := m.usage.Record(ctx, e); err != nil {
		return err
	}
	return m.audit.LogEvent(ctx, f.Identity.OrgID, f.Identity.AgentID, "gateway.request_error",
		f.ErrorMessage, map[string]any{
			"model":      f.Model,
			"request_id": f.RequestID,
		})
}

func (m *MemoryStore) usageEvent(set *Settlement, status usage.Status, credits int64, errMsg string) *usage.Event {
	return &usage.Event{
		UserID:         set.Identity.OwnerUserID,
		GroupID:        set.Identity.BillingGroupID,
		AgentID:        set.Identity.AgentID,
		Provider:       set.Provider,
		Model:          set.Model,
		InputTokens:    set.InputTokens,
		OutputTokens:   set.OutputTokens,
		CostUSD:        set.CostUSD,
		CreditsCharged: credits,
		LatencyMS:      set.LatencyMS,
		Status:         status,
		ErrorMessage:   errMsg,
	}
}

var _ Store = (*MemoryStore)(nil)
