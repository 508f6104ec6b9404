// Package pricing is the cost engine: tokens -> USD cost -> credits.
//
// All rates come from the database; nothing is hardcoded. Costs are computed
// as exact decimals and converted to integer credits with ceiling rounding,
// so a metered call is never under-charged.
package pricing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrRuleNotFound = errors.New("pricing: rule not found")
	ErrRuleExists   = errors.New("pricing: rule already exists")
	ErrInvalidCost  = errors.New("pricing: cost must not be negative")
)

// Rule prices one provider/model pair per 1000 tokens.
type Rule struct {
	ID              string          `json:"id"`
	Provider        string          `json:"provider"`
	Model           string          `json:"model"`
	InputCostPer1K  decimal.Decimal `json:"inputCostPer1k"`
	OutputCostPer1K decimal.Decimal `json:"outputCostPer1k"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// CostCalculation is the result of the full token-to-credits pipeline.
type CostCalculation struct {
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	InputTokens  int64           `json:"inputTokens"`
	OutputTokens int64           `json:"outputTokens"`
	CostUSD      decimal.Decimal `json:"costUsd"`
	Credits      int64           `json:"credits"`
}

// Store persists pricing rules.
type Store interface {
	Create(ctx context.Context, rule *Rule) error
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error
	GetByModel(ctx context.Context, provider, model string) (*Rule, error)
	List(ctx context.Context) ([]*Rule, error)
}

// InferProvider maps a model name to its provider. Unknown models fall
// through to openai, where the pricing lookup decides their fate.
func InferProvider(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return "openai"
	case strings.HasPrefix(model, "claude-"):
		return "anthropic"
	case strings.HasPrefix(model, "mock"):
		return "mock"
	default:
		return "openai"
	}
}

// Cost computes the USD cost of a call from token counts and a rule:
// (input/1000)*input_rate + (output/1000)*output_rate, at scale 8.
func Cost(rule *Rule, inputTokens, outputTokens int64) decimal.Decimal {
	per1k := decimal.NewFromInt(1000)
	input := decimal.NewFromInt(inputTokens).Div(per1k).Mul(rule.InputCostPer1K)
	output := decimal.NewFromInt(outputTokens).Div(per1k).Mul(rule.OutputCostPer1K)
	return input.Add(output).Round(8)
}

// CostToCredits converts a USD cost to integer credits, rounding up.
// Any positive cost charges at least one credit.
func CostToCredits(costUSD decimal.Decimal, creditsPerUSD int64) int64 {
	return costUSD.Mul(decimal.NewFromInt(creditsPerUSD)).Ceil().IntPart()
}

// Service looks up rules and runs the cost pipeline.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a pricing service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Lookup returns the rule for a provider/model pair.
func (s *Service) Lookup(ctx context.Context, provider, model string) (*Rule, error) {
	return s.store.GetByModel(ctx, provider, model)
}

// Compute runs the full pipeline: rule lookup, USD cost, credit conversion.
func (s *Service) Compute(ctx context.Context, provider, model string, inputTokens, outputTokens, creditsPerUSD int64) (*CostCalculation, error) {
	rule, err := s.store.GetByModel(ctx, provider, model)
	if err != nil {
		return nil, err
	}
	cost := Cost(rule, inputTokens, outputTokens)
	return &CostCalculation{
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      cost,
		Credits:      CostToCredits(cost, creditsPerUSD),
	}, nil
}

// List returns all rules ordered by provider then model.
func (s *Service) List(ctx context.Context) ([]*Rule, error) {
	return s.store.List(ctx)
}

// Create validates and stores a new rule.
func (s *Service) Create(ctx context.Context, rule *Rule) error {
	if rule.InputCostPer1K.IsNegative() || rule.OutputCostPer1K.IsNegative() {
		return ErrInvalidCost
	}
	if err := s.store.Create(ctx, rule); err != nil {
		return err
	}
	s.logger.Info("pricing rule created",
		"provider", rule.Provider,
		"model", rule.Model,
		"input_cost_per_1k", rule.InputCostPer1K,
		"output_cost_per_1k", rule.OutputCostPer1K)
	return nil
}

// Update replaces the rates on an existing rule.
func (s *Service) Update(ctx context.Context, rule *Rule) error {
	if rule.InputCostPer1K.IsNegative() || rule.OutputCostPer1K.IsNegative() {
		return ErrInvalidCost
	}
	return s.store.Update(ctx, rule)
}

// Delete removes a rule.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}
