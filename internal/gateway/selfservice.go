package gateway

import (
	"context"
	"fmt"

	"github.com/mbd888/spendgate/internal/ledger"
	"github.com/mbd888/spendgate/internal/pricing"
	"github.com/mbd888/spendgate/internal/usage"
)

// Self-service endpoints let an agent inspect its own standing with the
// key it already holds: priced models, group balance, recent spend, and
// the policy that will be applied to its next request. All reads, no
// admin token involved.

// BalanceSource reads a billing group balance without taking the
// admission lock. *ledger.Ledger satisfies it.
type BalanceSource interface {
	Balance(ctx context.Context, groupID string) (int64, error)
}

// UsageSource serves the reporting reads behind the self-service usage
// endpoint. *usage.Service satisfies it.
type UsageSource interface {
	BurnRate(ctx context.Context, groupID string) (*usage.BurnRate, error)
	TopAgents(ctx context.Context, groupID string, limit int) ([]*usage.AgentTotal, error)
}

// EffectiveSource merges the policies on a chain without enforcing them.
type EffectiveSource interface {
	EffectivePolicy(ctx context.Context, chain Chain) (*EffectivePolicy, error)
}

// EffectivePolicy is the merged chain policy, shaped for display rather
// than enforcement. A nil AllowedModels means no model restriction.
type EffectivePolicy struct {
	AllowedModels   []string `json:"allowedModels"`
	MaxInputTokens  *int64   `json:"maxInputTokens"`
	MaxOutputTokens *int64   `json:"maxOutputTokens"`
	RPMLimit        *int64   `json:"rpmLimit"`
}

// BalanceInfo is the self-service balance view for one API key.
type BalanceInfo struct {
	AgentID        string `json:"agentId"`
	OrgID          string `json:"orgId"`
	BillingGroupID string `json:"billingGroupId"`
	Balance        int64  `json:"balance"`
	CreditsPerUSD  int64  `json:"creditsPerUsd"`
}

// UsageSummary is the self-service usage view: the billing group's burn
// rate plus its top spenders.
type UsageSummary struct {
	GroupID        string              `json:"groupId"`
	CreditsLast24h int64               `json:"creditsLast24h"`
	CreditsLast7d  int64               `json:"creditsLast7d"`
	TopAgents      []*usage.AgentTotal `json:"topAgents"`
}

// topAgentsLimit bounds the self-service top-spenders list.
const topAgentsLimit = 5

// WithSelfService wires the read-only endpoints agents call with their
// own key.
func (s *Service) WithSelfService(balances BalanceSource, usageReads UsageSource, effective EffectiveSource) *Service {
	s.balances = balances
	s.usageReads = usageReads
	s.effective = effective
	return s
}

// ListModels returns every priced model. Any active key may call it; the
// caller's effective policy can still reject models it lists.
func (s *Service) ListModels(ctx context.Context, authorization string) ([]*pricing.Rule, error) {
	if _, err := s.authenticate(ctx, authorization); err != nil {
		return nil, err
	}
	return s.pricing.List(ctx)
}

// Balance returns the caller's billing group balance.
func (s *Service) Balance(ctx context.Context, authorization string) (*BalanceInfo, error) {
	if s.balances == nil {
		return nil, ErrSelfServiceDisabled
	}
	identity, err := s.authenticate(ctx, authorization)
	if err != nil {
		return nil, err
	}
	balance, err := s.balances.Balance(ctx, identity.BillingGroupID)
	if err != nil {
		return nil, fmt.Errorf("balance lookup failed: %w", err)
	}
	return &BalanceInfo{
		AgentID:        identity.AgentID,
		OrgID:          identity.OrgID,
		BillingGroupID: identity.BillingGroupID,
		Balance:        balance,
		CreditsPerUSD:  identity.CreditsPerUSD,
	}, nil
}

// UsageSummary returns the caller's billing group burn rate and its top
// spenders.
func (s *Service) UsageSummary(ctx context.Context, authorization string) (*UsageSummary, error) {
	if s.usageReads == nil {
		return nil, ErrSelfServiceDisabled
	}
	identity, err := s.authenticate(ctx, authorization)
	if err != nil {
		return nil, err
	}
	burn, err := s.usageReads.BurnRate(ctx, identity.BillingGroupID)
	if err != nil {
		return nil, fmt.Errorf("burn rate lookup failed: %w", err)
	}
	top, err := s.usageReads.TopAgents(ctx, identity.BillingGroupID, topAgentsLimit)
	if err != nil {
		return nil, fmt.Errorf("top agents lookup failed: %w", err)
	}
	return &UsageSummary{
		GroupID:        identity.BillingGroupID,
		CreditsLast24h: burn.CreditsLast1,
		CreditsLast7d:  burn.CreditsLast7,
		TopAgents:      top,
	}, nil
}

// EffectivePolicy returns the merged policy on the caller's chain.
func (s *Service) EffectivePolicy(ctx context.Context, authorization string) (*EffectivePolicy, error) {
	if s.effective == nil {
		return nil, ErrSelfServiceDisabled
	}
	identity, err := s.authenticate(ctx, authorization)
	if err != nil {
		return nil, err
	}
	eff, err := s.effective.EffectivePolicy(ctx, identity.Chain())
	if err != nil {
		return nil, fmt.Errorf("policy merge failed: %w", err)
	}
	return eff, nil
}

// Compile-time checks against the real backends.
var (
	_ BalanceSource = (*ledger.Ledger)(nil)
	_ UsageSource   = (*usage.Service)(nil)
)
