package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// defaultRules are the per-1K-token rates installed by Seed. Existing rules
// are left untouched so operator overrides survive re-seeding.
var defaultRules = []struct {
	provider string
	model    string
	input    string
	output   string
}{
	{"openai", "gpt-4o", "0.0025", "0.01"},
	{"openai", "gpt-4o-mini", "0.00015", "0.0006"},
	{"openai", "gpt-4-turbo", "0.01", "0.03"},
	{"openai", "gpt-3.5-turbo", "0.0005", "0.0015"},
	{"anthropic", "claude-3-5-sonnet-20241022", "0.003", "0.015"},
	{"anthropic", "claude-3-5-haiku-20241022", "0.0008", "0.004"},
	{"mock", "mock-model", "0.001", "0.002"},
}

// Seed installs the default pricing rules, skipping any that already exist.
func Seed(ctx context.Context, store Store, logger *slog.Logger) error {
	for _, d := range defaultRules {
		rule := &Rule{
			Provider:        d.provider,
			Model:           d.model,
			InputCostPer1K:  decimal.RequireFromString(d.input),
			OutputCostPer1K: decimal.RequireFromString(d.output),
		}
		err := store.Create(ctx, rule)
		if errors.Is(err, ErrRuleExists) {
			logger.Info("pricing rule exists", "provider", d.provider, "model", d.model)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to seed %s/%s: %w", d.provider, d.model, err)
		}
		logger.Info("pricing rule added", "provider", d.provider, "model", d.model)
	}
	return nil
}
