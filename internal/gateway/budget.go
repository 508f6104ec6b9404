package gateway

import (
	"context"
	"fmt"
)

// BudgetChecker enforces period budgets across an agent's chain before
// the provider call.
type BudgetChecker interface {
	// CheckBudgets verifies that required credits fit inside every active
	// budget on the chain. A blocking budget may auto-disable its target
	// as a side effect; that write is already committed when the decision
	// comes back.
	CheckBudgets(ctx context.Context, chain Chain, requiredCredits int64) (*BudgetDecision, error)
}

// BudgetDecision records the outcome of a budget check. When blocked it
// names the first failing budget.
type BudgetDecision struct {
	Allowed  bool   `json:"allowed"`
	BudgetID string `json:"budgetId,omitempty"`
	Level    string `json:"level,omitempty"`  // organization, workspace, agent_group, agent
	Period   string `json:"period,omitempty"` // DAILY, MONTHLY, TOTAL
	Current  int64  `json:"current,omitempty"`
	Limit    int64  `json:"limit,omitempty"`
	Required int64  `json:"required,omitempty"`
	Disabled bool   `json:"disabled,omitempty"` // target was auto-disabled
}

// Message formats the blocked-budget description for error payloads and
// audit records.
func (d *BudgetDecision) Message() string {
	msg := fmt.Sprintf("Budget exceeded at %s level (%s): current=%d, limit=%d, required=%d.",
		d.Level, d.Period, d.Current, d.Limit, d.Required)
	if d.Disabled {
		msg += " Target has been auto-disabled."
	}
	return msg
}

// Nil-safe accessors for logging.

func (d *BudgetDecision) IsAllowed() bool {
	return d != nil && d.Allowed
}

func (d *BudgetDecision) GetLevel() string {
	if d == nil {
		return ""
	}
	return d.Level
}
