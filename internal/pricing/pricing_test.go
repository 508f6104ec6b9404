package pricing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRule(input, output string) *Rule {
	return &Rule{
		Provider:        "openai",
		Model:           "gpt-test",
		InputCostPer1K:  decimal.RequireFromString(input),
		OutputCostPer1K: decimal.RequireFromString(output),
	}
}

func TestCost_Basic(t *testing.T) {
	rule := testRule("0.001", "0.002")

	cost := Cost(rule, 10000, 5000)
	want := decimal.RequireFromString("0.02")
	if !cost.Equal(want) {
		t.Errorf("Expected cost %s, got %s", want, cost)
	}
}

func TestCost_ZeroTokens(t *testing.T) {
	rule := testRule("0.0025", "0.01")

	cost := Cost(rule, 0, 0)
	if !cost.IsZero() {
		t.Errorf("Expected zero cost, got %s", cost)
	}
}

func TestCost_SmallCall(t *testing.T) {
	// 100 input and 200 output tokens at mock rates
	rule := testRule("0.001", "0.002")

	cost := Cost(rule, 100, 200)
	want := decimal.RequireFromString("0.0005")
	if !cost.Equal(want) {
		t.Errorf("Expected cost %s, got %s", want, cost)
	}
}

func TestCost_Monotone(t *testing.T) {
	rule := testRule("0.0025", "0.01")

	base := Cost(rule, 1000, 500)
	moreInput := Cost(rule, 2000, 500)
	moreOutput := Cost(rule, 1000, 900)

	if moreInput.LessThan(base) {
		t.Errorf("Cost decreased with more input tokens: %s < %s", moreInput, base)
	}
	if moreOutput.LessThan(base) {
		t.Errorf("Cost decreased with more output tokens: %s < %s", moreOutput, base)
	}
}

func TestCostToCredits(t *testing.T) {
	tests := []struct {
		name          string
		cost          string
		creditsPerUSD int64
		want          int64
	}{
		{"exact conversion", "0.02", 100, 2},
		{"rounds up small cost", "0.0005", 100, 1},
		{"zero cost", "0", 100, 0},
		{"rounds up fraction", "0.011", 100, 2},
		{"whole dollar", "1.0", 100, 100},
		{"higher rate", "0.0001", 1000, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CostToCredits(decimal.RequireFromString(tt.cost), tt.creditsPerUSD)
			if got != tt.want {
				t.Errorf("CostToCredits(%s, %d) = %d, want %d", tt.cost, tt.creditsPerUSD, got, tt.want)
			}
		})
	}
}

func TestCostToCredits_NeverFreeWhenPositive(t *testing.T) {
	tiny := decimal.RequireFromString("0.00000001")
	if got := CostToCredits(tiny, 100); got < 1 {
		t.Errorf("Expected at least 1 credit for positive cost, got %d", got)
	}
}

func TestInferProvider(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "openai"},
		{"gpt-3.5-turbo", "openai"},
		{"o1-preview", "openai"},
		{"o3-mini", "openai"},
		{"claude-3-5-sonnet-20241022", "anthropic"},
		{"claude-3-5-haiku-20241022", "anthropic"},
		{"mock-model", "mock"},
		{"mock", "mock"},
		{"llama-3-70b", "openai"}, // unknown falls through to openai
	}

	for _, tt := range tests {
		if got := InferProvider(tt.model); got != tt.want {
			t.Errorf("InferProvider(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestService_Compute(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, testLogger())
	ctx := context.Background()

	rule := testRule("0.001", "0.002")
	if err := store.Create(ctx, rule); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	calc, err := svc.Compute(ctx, "openai", "gpt-test", 10000, 5000, 100)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !calc.CostUSD.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("Expected cost 0.02, got %s", calc.CostUSD)
	}
	if calc.Credits != 2 {
		t.Errorf("Expected 2 credits, got %d", calc.Credits)
	}
}

func TestService_Compute_UnknownModel(t *testing.T) {
	svc := NewService(NewMemoryStore(), testLogger())

	_, err := svc.Compute(context.Background(), "openai", "gpt-unknown", 100, 100, 100)
	if !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound, got %v", err)
	}
}

func TestService_CreateRejectsNegativeCost(t *testing.T) {
	svc := NewService(NewMemoryStore(), testLogger())

	rule := testRule("-0.001", "0.002")
	if err := svc.Create(context.Background(), rule); !errors.Is(err, ErrInvalidCost) {
		t.Errorf("Expected ErrInvalidCost, got %v", err)
	}
}

func TestSeed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := Seed(ctx, store, testLogger()); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	rules, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rules) != len(defaultRules) {
		t.Errorf("Expected %d rules, got %d", len(defaultRules), len(rules))
	}

	// Re-seeding leaves existing rules alone
	if err := Seed(ctx, store, testLogger()); err != nil {
		t.Fatalf("Re-seed failed: %v", err)
	}
	rules, _ = store.List(ctx)
	if len(rules) != len(defaultRules) {
		t.Errorf("Expected %d rules after re-seed, got %d", len(defaultRules), len(rules))
	}

	mock, err := store.GetByModel(ctx, "mock", "mock-model")
	if err != nil {
		t.Fatalf("GetByModel failed: %v", err)
	}
	if !mock.InputCostPer1K.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("Unexpected mock input cost: %s", mock.InputCostPer1K)
	}
}
