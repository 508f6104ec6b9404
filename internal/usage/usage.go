// Package usage is the metering record of every gateway call.
//
// One event per request, successful or not. SUCCESS rows carry the credits
// actually deducted; ERROR and BUDGET_EXCEEDED rows always carry zero
// credits so budget windows and invoices only count money that moved.
// Budget enforcement reads these rows back through subtree sums.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/pagination"
)

var (
	ErrGroupRequired = errors.New("usage: group id required")
	ErrInvalidStatus = errors.New("usage: invalid status")
)

// Status classifies the outcome of a metered request.
type Status string

const (
	StatusSuccess        Status = "SUCCESS"
	StatusError          Status = "ERROR"
	StatusPolicyBlocked  Status = "POLICY_BLOCKED"
	StatusBudgetExceeded Status = "BUDGET_EXCEEDED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusPolicyBlocked, StatusBudgetExceeded:
		return true
	}
	return false
}

// Event is one metering row. UserID is the org owner; GroupID is the
// billing group the credits came from.
type Event struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	GroupID        string          `json:"groupId"`
	AgentID        string          `json:"agentId,omitempty"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	InputTokens    int64           `json:"inputTokens"`
	OutputTokens   int64           `json:"outputTokens"`
	TotalTokens    int64           `json:"totalTokens"`
	CostUSD        decimal.Decimal `json:"costUsd"`
	CreditsCharged int64           `json:"creditsCharged"`
	LatencyMS      int64           `json:"latencyMs"`
	Status         Status          `json:"status"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// SubtreeFilter scopes a success-credit sum to one hierarchy level. At
// most one ID is set; an agent filter is exact, the others cover every
// agent underneath.
type SubtreeFilter struct {
	OrgID        string
	WorkspaceID  string
	AgentGroupID string
	AgentID      string
}

// BurnRate is recent spend for a billing group.
type BurnRate struct {
	GroupID      string `json:"groupId"`
	CreditsLast1 int64  `json:"creditsLast24h"`
	CreditsLast7 int64  `json:"creditsLast7d"`
}

// AgentTotal is one row of a top-spenders query.
type AgentTotal struct {
	AgentID string `json:"agentId"`
	Credits int64  `json:"credits"`
}

// Store persists usage events.
type Store interface {
	Insert(ctx context.Context, e *Event) error

	// History returns events for a group newest-first, from the cursor
	// position. Callers pass limit+1 to detect further pages.
	History(ctx context.Context, groupID string, cursor *pagination.Cursor, limit int) ([]*Event, error)

	// SumCredits totals credits_charged for a group since the given time,
	// across all statuses. Failed rows carry zero so they never inflate it.
	SumCredits(ctx context.Context, groupID string, since time.Time) (int64, error)

	// SumSuccessSubtree totals SUCCESS credits inside one hierarchy
	// subtree since the given time. A zero since means all time.
	SumSuccessSubtree(ctx context.Context, f SubtreeFilter, since time.Time) (int64, error)

	// TopAgents returns the highest-spending agents in a group since the
	// given time, descending by credits.
	TopAgents(ctx context.Context, groupID string, since time.Time, limit int) ([]*AgentTotal, error)
}

// Service validates and records usage, and serves the reporting queries.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a usage service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Record appends a usage event, filling in ID, TotalTokens and CreatedAt.
// Non-success rows are forced to zero credits.
func (s *Service) Record(ctx context.Context, e *Event) error {
	if e.GroupID == "" {
		return ErrGroupRequired
	}
	if !e.Status.Valid() {
		return ErrInvalidStatus
	}
	if e.Status != StatusSuccess {
		e.CreditsCharged = 0
	}
	e.ID = idgen.New()
	e.TotalTokens = e.InputTokens + e.OutputTokens
	e.CreatedAt = time.Now().UTC()

	if err := s.store.Insert(ctx, e); err != nil {
		return fmt.Errorf("failed to record usage event: %w", err)
	}
	s.logger.Debug("usage event recorded",
		"group_id", e.GroupID,
		"agent_id", e.AgentID,
		"model", e.Model,
		"status", e.Status,
		"credits", e.CreditsCharged)
	return nil
}

// History returns a page of events for a group, newest first.
func (s *Service) History(ctx context.Context, groupID string, cursor *pagination.Cursor, limit int) ([]*Event, string, bool, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	events, err := s.store.History(ctx, groupID, cursor, limit+1)
	if err != nil {
		return nil, "", false, fmt.Errorf("failed to query usage history: %w", err)
	}
	page, next, more := pagination.ComputePage(events, limit, func(e *Event) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, more, nil
}

// BurnRate reports a group's credit spend over the last 24 hours and
// 7 days.
func (s *Service) BurnRate(ctx context.Context, groupID string) (*BurnRate, error) {
	now := time.Now().UTC()

	last24h, err := s.store.SumCredits(ctx, groupID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to sum 24h usage: %w", err)
	}
	last7d, err := s.store.SumCredits(ctx, groupID, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to sum 7d usage: %w", err)
	}

	return &BurnRate{GroupID: groupID, CreditsLast1: last24h, CreditsLast7: last7d}, nil
}

// TopAgents returns the highest-spending agents in a group over the last
// 30 days.
func (s *Service) TopAgents(ctx context.Context, groupID string, limit int) ([]*AgentTotal, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	since := time.Now().UTC().Add(-30 * 24 * time.Hour)
	return s.store.TopAgents(ctx, groupID, since, limit)
}

// SumSuccessCredits totals successful usage inside one hierarchy subtree
// since the given time. This is the budget engine's window query: exactly
// one of the four IDs is non-empty, and a zero since means all time.
func (s *Service) SumSuccessCredits(ctx context.Context, orgID, workspaceID, agentGroupID, agentID string, since time.Time) (int64, error) {
	return s.store.SumSuccessSubtree(ctx, SubtreeFilter{
		OrgID:        orgID,
		WorkspaceID:  workspaceID,
		AgentGroupID: agentGroupID,
		AgentID:      agentID,
	}, since)
}
