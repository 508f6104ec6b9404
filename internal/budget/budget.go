// Package budget enforces period-windowed credit caps across the hierarchy.
//
// A budget attaches to exactly one level of the hierarchy and carries a
// credit limit for a window: the current UTC day, the current UTC month, or
// all time. Before every gateway request each active budget on the agent's
// chain is checked against the successful usage inside its window; any one
// exceeded budget blocks the request, and may disable its target.
package budget

import (
	"errors"
	"time"
)

// Errors
var (
	ErrBudgetNotFound = errors.New("budget: not found")
	ErrTargetRequired = errors.New("budget: exactly one target is required")
)

// Period defines the rolling window a budget applies to.
type Period string

const (
	PeriodDaily   Period = "DAILY"
	PeriodMonthly Period = "MONTHLY"
	PeriodTotal   Period = "TOTAL"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	switch p {
	case PeriodDaily, PeriodMonthly, PeriodTotal:
		return true
	}
	return false
}

// PeriodStart returns the UTC start of the current window, or the zero
// time for TOTAL (all time). Windows are calendar-aligned: midnight UTC
// for DAILY, first of the month UTC for MONTHLY.
func PeriodStart(p Period, now time.Time) time.Time {
	now = now.UTC()
	switch p {
	case PeriodDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// Level names a hierarchy tier a budget or disable action targets.
type Level string

const (
	LevelOrganization Level = "organization"
	LevelWorkspace    Level = "workspace"
	LevelAgentGroup   Level = "agent_group"
	LevelAgent        Level = "agent"
)

// Target is the single hierarchy row a budget applies to.
type Target struct {
	Level Level  `json:"level"`
	ID    string `json:"id"`
}

// Budget caps successful usage credits for one hierarchy target within a
// period window. Exactly one of the four target IDs is set.
type Budget struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"orgId,omitempty"`
	WorkspaceID  string    `json:"workspaceId,omitempty"`
	AgentGroupID string    `json:"agentGroupId,omitempty"`
	AgentID      string    `json:"agentId,omitempty"`
	Period       Period    `json:"period"`
	LimitCredits int64     `json:"limitCredits"`
	AutoDisable  bool      `json:"autoDisable"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TargetCount returns how many hierarchy targets are set. Valid budgets
// have exactly one.
func (b *Budget) TargetCount() int {
	n := 0
	for _, id := range []string{b.OrgID, b.WorkspaceID, b.AgentGroupID, b.AgentID} {
		if id != "" {
			n++
		}
	}
	return n
}

// Target returns the budget's hierarchy target.
func (b *Budget) Target() Target {
	switch {
	case b.OrgID != "":
		return Target{Level: LevelOrganization, ID: b.OrgID}
	case b.WorkspaceID != "":
		return Target{Level: LevelWorkspace, ID: b.WorkspaceID}
	case b.AgentGroupID != "":
		return Target{Level: LevelAgentGroup, ID: b.AgentGroupID}
	default:
		return Target{Level: LevelAgent, ID: b.AgentID}
	}
}
