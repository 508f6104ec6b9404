package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/pricing"
	"github.com/mbd888/spendgate/internal/provider"
	"github.com/mbd888/spendgate/internal/traces"
)

// ProviderSource hands out upstream clients. *provider.Registry satisfies
// it.
type ProviderSource interface {
	Get(name string) (provider.Provider, error)
	Ephemeral(name, apiKey string) (provider.Provider, error)
}

// CredentialSource returns an org's own upstream API key, decrypted.
// Implementations return "" with a nil error when the org has none and
// the platform key should serve.
type CredentialSource interface {
	ActiveKey(ctx context.Context, orgID, provider string) (string, error)
}

// Notifier fans out a committed settlement to realtime and webhook
// subscribers. Implementations must not block the request path.
type Notifier interface {
	UsageRecorded(ctx context.Context, s *Settlement)
}

// Service runs the metered completion pipeline and the self-service
// reads that share its authentication.
type Service struct {
	keys      KeySource
	chains    ChainSource
	policies  PolicyEvaluator
	budgets   BudgetChecker
	pricing   *pricing.Service
	providers ProviderSource
	store     Store
	creds     CredentialSource
	notifier  Notifier
	logger    *slog.Logger

	// Self-service backends, wired via WithSelfService.
	balances   BalanceSource
	usageReads UsageSource
	effective  EffectiveSource
}

// NewService creates a gateway service.
func NewService(keys KeySource, chains ChainSource, policies PolicyEvaluator, budgets BudgetChecker, prices *pricing.Service, providers ProviderSource, store Store, logger *slog.Logger) *Service {
	return &Service{
		keys:      keys,
		chains:    chains,
		policies:  policies,
		budgets:   budgets,
		pricing:   prices,
		providers: providers,
		store:     store,
		logger:    logger,
	}
}

// WithCredentials wires org-owned provider keys for BYOK routing.
func (s *Service) WithCredentials(cs CredentialSource) *Service {
	s.creds = cs
	return s
}

// WithNotifier wires the post-settlement fan-out.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// ChatCompletion runs one request through the full pipeline: authenticate,
// resolve the chain, enforce policy and budgets, admit, call the provider
// outside any transaction, then settle the actual cost.
func (s *Service) ChatCompletion(ctx context.Context, authorization string, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	start := time.Now()
	requestID := idgen.New()

	ctx, span := traces.StartSpan(ctx, "gateway.ChatCompletion",
		traces.RequestID(requestID),
		traces.Model(req.Model))
	defer span.End()

	outcome := "success"
	defer func() {
		gwRequests.WithLabelValues(outcome).Inc()
		gwRequestDuration.Observe(time.Since(start).Seconds())
	}()

	if req.Stream {
		outcome = "invalid_request"
		return nil, ErrStreamingUnsupported
	}

	identity, err := s.authenticate(ctx, authorization)
	if err != nil {
		var inactive *InactiveError
		if errors.As(err, &inactive) {
			outcome = "inactive"
		} else {
			outcome = "unauthorized"
		}
		return nil, err
	}
	span.SetAttributes(
		traces.OrgID(identity.OrgID),
		traces.AgentID(identity.AgentID),
		traces.GroupID(identity.BillingGroupID))
	chain := identity.Chain()

	// Policy across all four levels.
	pd, err := s.policies.EvaluateRequest(ctx, chain, req.Model, req.MaxTokens)
	if err != nil {
		outcome = "internal_error"
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if !pd.Allowed {
		outcome = "policy_blocked"
		s.logger.Info("request blocked by policy",
			"request_id", requestID,
			"agent_id", identity.AgentID,
			"model", req.Model,
			"reason", pd.Reason)
		return nil, &PolicyViolationError{Reason: pd.Reason}
	}

	// One rule lookup serves the estimate and the settlement.
	providerName := pricing.InferProvider(req.Model)
	span.SetAttributes(traces.Provider(providerName))
	rule, err := s.pricing.Lookup(ctx, providerName, req.Model)
	if err != nil {
		if errors.Is(err, pricing.ErrRuleNotFound) {
			outcome = "no_pricing"
			return nil, fmt.Errorf("%w: %s/%s", ErrNoPricing, providerName, req.Model)
		}
		outcome = "internal_error"
		return nil, fmt.Errorf("pricing lookup failed: %w", err)
	}

	// Estimate with zero input tokens; the post-call settlement is
	// authoritative.
	estimatedOutput := int64(DefaultEstimatedOutput)
	if pd.MaxOutputTokens != nil && *pd.MaxOutputTokens > 0 {
		estimatedOutput = *pd.MaxOutputTokens
	}
	estimated := pricing.CostToCredits(pricing.Cost(rule, 0, estimatedOutput), identity.CreditsPerUSD)
	if estimated < 1 {
		estimated = 1
	}

	bd, err := s.budgets.CheckBudgets(ctx, chain, estimated)
	if err != nil {
		outcome = "internal_error"
		return nil, fmt.Errorf("budget check failed: %w", err)
	}
	if !bd.Allowed {
		outcome = "budget_blocked"
		s.logger.Info("request blocked by budget",
			"request_id", requestID,
			"agent_id", identity.AgentID,
			"level", bd.Level,
			"budget_id", bd.BudgetID,
			"auto_disabled", bd.Disabled)
		return nil, &BudgetExceededError{Decision: bd}
	}

	// Admission: a balance read under the group advisory lock. The value
	// is not compared against the estimate; the read serializes concurrent
	// requests per group so settlement never races a stale balance.
	balance, err := s.store.Admit(ctx, identity.BillingGroupID)
	if err != nil {
		outcome = "internal_error"
		return nil, fmt.Errorf("admission failed: %w", err)
	}

	client, err := s.providerFor(ctx, identity.OrgID, providerName)
	if err != nil {
		if errors.Is(err, provider.ErrNotConfigured) || errors.Is(err, provider.ErrUnknown) {
			outcome = "provider_unavailable"
			return nil, &ProviderUnavailableError{Provider: providerName, Err: err}
		}
		outcome = "internal_error"
		return nil, fmt.Errorf("provider lookup failed: %w", err)
	}

	// Provider call outside any transaction. Latency on the usage row is
	// wall clock from request start.
	preq := &provider.Request{
		Model:       req.Model,
		Messages:    toProviderMessages(req.Messages),
		MaxTokens:   pd.MaxOutputTokens,
		Temperature: req.Temperature,
	}
	callStart := time.Now()
	presp, callErr := client.Complete(ctx, preq)
	gwProviderLatency.WithLabelValues(providerName).Observe(time.Since(callStart).Seconds())
	latencyMS := time.Since(start).Milliseconds()

	if callErr != nil {
		outcome = "provider_error"
		s.recordFailure(ctx, &FailureRecord{
			RequestID:    requestID,
			Identity:     identity,
			Provider:     providerName,
			Model:        req.Model,
			ErrorMessage: TruncateError(callErr.Error()),
			LatencyMS:    latencyMS,
		})
		return nil, &ProviderError{Provider: providerName, Err: callErr}
	}

	cost := pricing.Cost(rule, presp.InputTokens, presp.OutputTokens)
	credits := pricing.CostToCredits(cost, identity.CreditsPerUSD)

	settlement := &Settlement{
		RequestID:    requestID,
		Identity:     identity,
		Provider:     providerName,
		Model:        req.Model,
		InputTokens:  presp.InputTokens,
		OutputTokens: presp.OutputTokens,
		CostUSD:      cost,
		Credits:      credits,
		LatencyMS:    latencyMS,
	}
	res, err := s.store.Settle(ctx, settlement)
	if err != nil {
		outcome = "internal_error"
		return nil, fmt.Errorf("settlement failed: %w", err)
	}
	if !res.Settled {
		outcome = "insufficient_credits"
		gwSettlementsUncharged.Inc()
		s.logger.Warn("provider call settled without charge",
			"request_id", requestID,
			"group_id", identity.BillingGroupID,
			"balance", res.Balance,
			"required", credits)
		return nil, ErrInsufficientCredits
	}

	span.SetAttributes(traces.Credits(credits))
	gwCreditsCharged.WithLabelValues(providerName).Add(float64(credits))
	gwTokens.WithLabelValues(providerName, "input").Add(float64(presp.InputTokens))
	gwTokens.WithLabelValues(providerName, "output").Add(float64(presp.OutputTokens))

	if s.notifier != nil {
		s.notifier.UsageRecorded(ctx, settlement)
	}

	s.logger.Info("gateway request completed",
		"request_id", requestID,
		"agent_id", identity.AgentID,
		"provider", providerName,
		"model", req.Model,
		"input_tokens", presp.InputTokens,
		"output_tokens", presp.OutputTokens,
		"credits", credits,
		"balance_at_admission", balance,
		"finish_reason", presp.FinishReason,
		"replayed", res.Replayed,
		"latency_ms", latencyMS)

	return &ChatCompletionResponse{
		ID:     "chatcmpl-" + requestID,
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: presp.Content},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     presp.InputTokens,
			CompletionTokens: presp.OutputTokens,
			TotalTokens:      presp.InputTokens + presp.OutputTokens,
		},
		XPlatform: XPlatform{
			CreditsCharged: credits,
			LatencyMS:      latencyMS,
			RequestID:      requestID,
		},
	}, nil
}

// authenticate parses the bearer token, hashes it, and loads the agent's
// chain with every active check applied: agent status first, then the
// levels above it.
func (s *Service) authenticate(ctx context.Context, authorization string) (*Identity, error) {
	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, ErrMissingAuthorization
	}
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, keyPrefix) {
		return nil, ErrKeyFormat
	}

	sum := sha256.Sum256([]byte(raw))
	agentID, err := s.keys.AgentForKeyHash(ctx, hex.EncodeToString(sum[:]))
	if err != nil {
		// Revoked and unknown keys look identical to the caller.
		s.logger.Info("api key rejected", "error", err)
		return nil, ErrUnauthorized
	}

	ac, err := s.chains.ChainForAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("chain resolution failed: %w", err)
	}

	if ac.AgentStatus != "ACTIVE" {
		return nil, &InactiveError{Level: "agent", Detail: "status: " + ac.AgentStatus}
	}
	if !ac.OrgActive {
		return nil, &InactiveError{Level: "organization"}
	}
	if !ac.WorkspaceActive {
		return nil, &InactiveError{Level: "workspace"}
	}
	if !ac.AgentGroupActive {
		return nil, &InactiveError{Level: "agent group"}
	}

	return &Identity{
		AgentID:        ac.AgentID,
		AgentGroupID:   ac.AgentGroupID,
		WorkspaceID:    ac.WorkspaceID,
		OrgID:          ac.OrgID,
		OwnerUserID:    ac.OwnerUserID,
		BillingGroupID: ac.BillingGroupID,
		CreditsPerUSD:  ac.CreditsPerUSD,
	}, nil
}

// providerFor picks the org's own key when one is active, otherwise the
// platform client.
func (s *Service) providerFor(ctx context.Context, orgID, name string) (provider.Provider, error) {
	if s.creds != nil {
		key, err := s.creds.ActiveKey(ctx, orgID, name)
		if err != nil {
			return nil, fmt.Errorf("credential lookup failed: %w", err)
		}
		if key != "" {
			return s.providers.Ephemeral(name, key)
		}
	}
	return s.providers.Get(name)
}

// recordFailure persists the zero-credit usage row for a failed provider
// call. The 502 is owed to the client either way, so a store error only
// logs.
func (s *Service) recordFailure(ctx context.Context, f *FailureRecord) {
	if err := s.store.RecordFailure(ctx, f); err != nil {
		s.logger.Error("failed to record provider failure",
			"request_id", f.RequestID,
			"error", err)
	}
}

func toProviderMessages(in []Message) []provider.Message {
	out := make([]provider.Message, len(in))
	for i, m := range in {
		out[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
