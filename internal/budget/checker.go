package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/spendgate/internal/gateway"
	"github.com/mbd888/spendgate/internal/metrics"
)

// UsageSummer reports the credits charged by successful requests under a
// hierarchy target since a point in time. Empty target IDs are ignored;
// a zero since means all time.
type UsageSummer interface {
	SumSuccessCredits(ctx context.Context, orgID, workspaceID, agentGroupID, agentID string, since time.Time) (int64, error)
}

// TargetDisabler takes a hierarchy target out of service after its budget
// trips. Implementations commit the write in their own transaction so the
// disable survives even when the request that tripped it fails later.
type TargetDisabler interface {
	DisableTarget(ctx context.Context, target Target) error
}

// Auditor records budget enforcement events. The audit service satisfies
// this.
type Auditor interface {
	LogEvent(ctx context.Context, orgID, actorAgentID, eventType, description string, metadata map[string]any) error
}

// Notifier fans budget trips out to realtime and webhook subscribers.
// Implementations must not block.
type Notifier interface {
	BudgetExceeded(ctx context.Context, orgID string, d *gateway.BudgetDecision)
	TargetDisabled(ctx context.Context, orgID string, target Target)
}

// Checker evaluates every active budget on an agent's chain against the
// successful usage inside its window. The first exceeded budget blocks
// the request; budgets are visited oldest first so the outcome is
// deterministic.
type Checker struct {
	store    Store
	usage    UsageSummer
	disabler TargetDisabler
	auditor  Auditor
	notifier Notifier
	logger   *slog.Logger
}

// NewChecker creates a budget checker.
func NewChecker(store Store, usage UsageSummer, disabler TargetDisabler, logger *slog.Logger) *Checker {
	return &Checker{
		store:    store,
		usage:    usage,
		disabler: disabler,
		logger:   logger,
	}
}

// WithAuditor wires an audit recorder for exceeded budgets.
func (c *Checker) WithAuditor(a Auditor) *Checker {
	c.auditor = a
	return c
}

// WithNotifier wires the budget-trip fan-out.
func (c *Checker) WithNotifier(n Notifier) *Checker {
	c.notifier = n
	return c
}

// CheckBudgets verifies that requiredCredits fits inside every active
// budget on the chain. On the first exceeded budget it increments the
// block counter, auto-disables the target when the budget asks for it,
// and returns a blocking decision. A store or usage error fails closed.
func (c *Checker) CheckBudgets(ctx context.Context, chain gateway.Chain, requiredCredits int64) (*gateway.BudgetDecision, error) {
	budgets, err := c.store.ListForHierarchy(ctx, chain.OrgID, chain.WorkspaceID, chain.AgentGroupID, chain.AgentID)
	if err != nil {
		return nil, fmt.Errorf("budget check failed: %w", err)
	}

	now := time.Now()
	for _, b := range budgets {
		since := PeriodStart(b.Period, now)
		current, err := c.usage.SumSuccessCredits(ctx, b.OrgID, b.WorkspaceID, b.AgentGroupID, b.AgentID, since)
		if err != nil {
			return nil, fmt.Errorf("budget check failed: %w", err)
		}
		if current+requiredCredits <= b.LimitCredits {
			continue
		}

		target := b.Target()
		if target.ID == "" {
			// Malformed budget row with no target; disable the
			// requesting agent rather than nothing.
			target = Target{Level: LevelAgent, ID: chain.AgentID}
		}

		decision := &gateway.BudgetDecision{
			Allowed:  false,
			BudgetID: b.ID,
			Level:    string(target.Level),
			Period:   string(b.Period),
			Current:  current,
			Limit:    b.LimitCredits,
			Required: requiredCredits,
		}
		if b.AutoDisable {
			decision.Disabled = c.disable(ctx, target)
		}
		metrics.BudgetBlocksTotal.WithLabelValues(string(target.Level)).Inc()
		c.audit(ctx, chain, b, decision)
		if c.notifier != nil {
			c.notifier.BudgetExceeded(ctx, chain.OrgID, decision)
			if decision.Disabled {
				c.notifier.TargetDisabled(ctx, chain.OrgID, target)
			}
		}
		c.logger.Warn("budget exceeded",
			"budget_id", b.ID,
			"agent_id", chain.AgentID,
			"level", string(target.Level),
			"period", string(b.Period),
			"current", current,
			"limit", b.LimitCredits,
			"required", requiredCredits,
			"disabled", decision.Disabled,
		)
		return decision, nil
	}

	return &gateway.BudgetDecision{Allowed: true, Required: requiredCredits}, nil
}

// disable takes the target out of service. A disable failure still
// blocks the request; the target just stays enabled for the next one.
func (c *Checker) disable(ctx context.Context, target Target) bool {
	if c.disabler == nil {
		return false
	}
	if err := c.disabler.DisableTarget(ctx, target); err != nil {
		c.logger.Error("failed to auto-disable budget target",
			"level", string(target.Level),
			"target_id", target.ID,
			"error", err,
		)
		return false
	}
	metrics.BudgetAutoDisablesTotal.WithLabelValues(string(target.Level)).Inc()
	return true
}

func (c *Checker) audit(ctx context.Context, chain gateway.Chain, b *Budget, d *gateway.BudgetDecision) {
	if c.auditor == nil {
		return
	}
	err := c.auditor.LogEvent(ctx, chain.OrgID, chain.AgentID, "budget.exceeded", d.Message(), map[string]any{
		"budget_id": b.ID,
		"level":     d.Level,
		"period":    d.Period,
		"current":   d.Current,
		"limit":     d.Limit,
		"required":  d.Required,
	})
	if err != nil {
		c.logger.Error("failed to record budget audit event", "budget_id", b.ID, "error", err)
	}
}

var _ gateway.BudgetChecker = (*Checker)(nil)
