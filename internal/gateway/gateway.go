// Package gateway provides the metered proxy in front of AI providers.
//
// Flow:
//  1. Agent calls POST /gateway/v1/chat/completions with a cpk_ API key
//  2. Gateway resolves the agent's chain, enforces policy and budgets
//  3. Provider call runs outside any transaction
//  4. Actual cost settles in one transaction: ledger deduction + usage event + audit log
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrUnauthorized         = errors.New("gateway: invalid or revoked API key")
	ErrMissingAuthorization = errors.New("gateway: missing or malformed Authorization header")
	ErrKeyFormat            = errors.New("gateway: API key must start with cpk_")
	ErrStreamingUnsupported = errors.New("gateway: streaming is not supported")
	ErrNoPricing            = errors.New("gateway: no pricing rule for model")
	ErrInsufficientCredits  = errors.New("gateway: insufficient credits, usage was not charged")
	ErrSelfServiceDisabled  = errors.New("gateway: self-service endpoints are not configured")
)

// Constants
const (
	// DefaultEstimatedOutput seeds the budget pre-check when no output cap
	// applies. The post-call settlement is authoritative.
	DefaultEstimatedOutput = 1024

	// MaxErrorMessageLen bounds provider error messages persisted to the
	// usage log.
	MaxErrorMessageLen = 1024

	keyPrefix = "cpk_"
)

// InactiveError reports a disabled link in the caller's chain.
type InactiveError struct {
	Level  string // organization, workspace, agent group, agent
	Detail string // extra context, e.g. the agent status
}

func (e *InactiveError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("gateway: %s is not active (%s)", e.Level, e.Detail)
	}
	return fmt.Sprintf("gateway: %s is not active", e.Level)
}

// PolicyViolationError reports a request refused by the effective policy.
type PolicyViolationError struct {
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return "gateway: policy violation: " + e.Reason
}

// BudgetExceededError reports a request blocked by a period budget before
// the provider call. The auto-disable, if any, is already committed.
type BudgetExceededError struct {
	Decision *BudgetDecision
}

func (e *BudgetExceededError) Error() string {
	return "gateway: " + e.Decision.Message()
}

// ProviderError wraps an upstream failure so handlers can surface the
// truncated message with a 502.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gateway: provider %s failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ProviderUnavailableError reports a provider that cannot be instantiated,
// typically a missing key for a non-default upstream.
type ProviderUnavailableError struct {
	Provider string
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("gateway: provider %s is not configured: %v", e.Provider, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// Chain identifies an agent's position in the hierarchy. Policies and
// budgets attach to any of the four levels.
type Chain struct {
	OrgID        string
	WorkspaceID  string
	AgentGroupID string
	AgentID      string
}

// Identity is the fully resolved caller for one gateway request.
type Identity struct {
	AgentID        string
	AgentGroupID   string
	WorkspaceID    string
	OrgID          string
	OwnerUserID    string // org owner, recorded on usage events
	BillingGroupID string
	CreditsPerUSD  int64
}

// Chain returns the hierarchy path for policy and budget evaluation.
func (id *Identity) Chain() Chain {
	return Chain{
		OrgID:        id.OrgID,
		WorkspaceID:  id.WorkspaceID,
		AgentGroupID: id.AgentGroupID,
		AgentID:      id.AgentID,
	}
}

// AgentChain is the raw hierarchy row set behind an API key, before
// active checks. Implementations load it in one round trip.
type AgentChain struct {
	AgentID          string
	AgentStatus      string // ACTIVE, DISABLED, BUDGET_EXHAUSTED
	AgentGroupID     string
	AgentGroupActive bool
	WorkspaceID      string
	WorkspaceActive  bool
	OrgID            string
	OrgActive        bool
	OwnerUserID      string
	BillingGroupID   string
	CreditsPerUSD    int64
}

// KeySource looks up API keys by SHA-256 hex hash. Revoked and unknown
// keys both surface as ErrUnauthorized.
type KeySource interface {
	AgentForKeyHash(ctx context.Context, keyHash string) (agentID string, err error)
}

// ChainSource loads the hierarchy path above an agent.
type ChainSource interface {
	ChainForAgent(ctx context.Context, agentID string) (*AgentChain, error)
}

// Message is one chat turn in the OpenAI wire shape.
type Message struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// ChatCompletionRequest is the inbound payload. Field names follow the
// OpenAI chat completions wire format.
type ChatCompletionRequest struct {
	Model       string    `json:"model" binding:"required"`
	Messages    []Message `json:"messages" binding:"required,min=1"`
	MaxTokens   *int64    `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Choice is one completion alternative. The gateway always returns exactly one.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage reports token counts in the OpenAI wire shape.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// XPlatform is the platform extension attached to every completion.
type XPlatform struct {
	CreditsCharged int64  `json:"credits_charged"`
	LatencyMS      int64  `json:"latency_ms"`
	RequestID      string `json:"request_id"`
}

// ChatCompletionResponse is the OpenAI-compatible completion payload.
type ChatCompletionResponse struct {
	ID        string    `json:"id"`
	Object    string    `json:"object"`
	Model     string    `json:"model"`
	Choices   []Choice  `json:"choices"`
	Usage     Usage     `json:"usage"`
	XPlatform XPlatform `json:"x_platform"`
}

// Settlement is the outcome of a provider call, ready to be charged.
type Settlement struct {
	RequestID    string
	Identity     *Identity
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      decimal.Decimal
	Credits      int64
	LatencyMS    int64
}

// IdempotencyKey derives the ledger key for this settlement.
func (s *Settlement) IdempotencyKey() string {
	return "gateway:" + s.RequestID
}

// SettleResult reports how a settlement landed.
type SettleResult struct {
	// Settled is false when the balance could not cover the charge. The
	// usage event is still recorded with zero credits.
	Settled  bool
	Replayed bool   // idempotency key had already been settled
	EntryID  string // ledger entry, when settled
	Balance  int64  // group balance before the charge
}

// FailureRecord captures a provider call that never produced billable
// usage. No ledger entry is written for it.
type FailureRecord struct {
	RequestID    string
	Identity     *Identity
	Provider     string
	Model        string
	ErrorMessage string
	LatencyMS    int64
}

// Store persists gateway outcomes.
type Store interface {
	// Admit reads the billing group balance under the group advisory
	// lock. Concurrent requests for one group serialize here.
	Admit(ctx context.Context, groupID string) (int64, error)

	// Settle deducts credits and records the usage event and audit log
	// atomically. An insufficient balance still commits a zero-credit
	// usage event and returns Settled=false, not an error.
	Settle(ctx context.Context, s *Settlement) (*SettleResult, error)

	// RecordFailure appends the usage event and audit log for a failed
	// provider call.
	RecordFailure(ctx context.Context, f *FailureRecord) error
}

// TruncateError bounds an error message for persistence.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorMessageLen {
		return msg[:MaxErrorMessageLen]
	}
	return msg
}
