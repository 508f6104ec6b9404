package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/spendgate/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook events emitted by type.",
	}, []string{"event_type"})

	webhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook deliveries by event type and outcome.",
	}, []string{"event_type", "outcome"})

	webhookDeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spendgate",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "Webhook delivery duration including retries.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	webhookDisabledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spendgate",
		Subsystem: "webhook",
		Name:      "disabled_total",
		Help:      "Subscriptions disabled after repeated delivery failures.",
	})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookDeliveries, webhookDeliveryDuration, webhookDisabledTotal)
}

// Emitter is the fire-and-forget face of the dispatcher. Every method
// returns immediately; delivery runs in the background with its own
// deadline, and failures only log. A nil Emitter is safe to call.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(orgID string, t EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(t)).Inc()
	event := &Event{
		ID:        "evt_" + idgen.Hex(12),
		Type:      t,
		OrgID:     orgID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := e.d.Dispatch(ctx, event); err != nil {
			e.logger.Warn("webhook emit failed", "event", t, "org_id", orgID, "error", err)
		}
	}()
}

// EmitUsageRecorded announces a settled gateway request.
func (e *Emitter) EmitUsageRecorded(orgID, agentID, provider, model, requestID string, inputTokens, outputTokens, credits int64) {
	e.emit(orgID, EventUsageRecorded, map[string]any{
		"agentId":        agentID,
		"provider":       provider,
		"model":          model,
		"requestId":      requestID,
		"inputTokens":    inputTokens,
		"outputTokens":   outputTokens,
		"creditsCharged": credits,
	})
}

// EmitBudgetExceeded announces a request blocked by a period budget.
func (e *Emitter) EmitBudgetExceeded(orgID, budgetID, level, period string, current, limit, required int64) {
	e.emit(orgID, EventBudgetExceeded, map[string]any{
		"budgetId": budgetID,
		"level":    level,
		"period":   period,
		"current":  current,
		"limit":    limit,
		"required": required,
	})
}

// EmitAgentDisabled announces a target disabled by budget enforcement or
// an operator.
func (e *Emitter) EmitAgentDisabled(orgID, targetID, level, reason string) {
	e.emit(orgID, EventAgentDisabled, map[string]any{
		"targetId": targetID,
		"level":    level,
		"reason":   reason,
	})
}

// EmitCreditsPurchased announces a funded billing group.
func (e *Emitter) EmitCreditsPurchased(orgID, groupID string, credits int64, reference string) {
	e.emit(orgID, EventCreditsPurchased, map[string]any{
		"groupId":   groupID,
		"credits":   credits,
		"reference": reference,
	})
}
