package gateway

import "context"

// PolicyEvaluator merges and enforces the policies on an agent's chain.
type PolicyEvaluator interface {
	// EvaluateRequest checks the model against the effective policy and
	// computes the output-token cap to pass upstream. Returns a decision
	// for allow/deny outcomes; a non-nil error means the evaluation
	// itself failed and the request must not proceed.
	EvaluateRequest(ctx context.Context, chain Chain, model string, maxTokens *int64) (*PolicyDecision, error)
}

// PolicyDecision records the outcome of a policy evaluation.
type PolicyDecision struct {
	Evaluated       int      `json:"evaluated"` // number of policies merged
	Allowed         bool     `json:"allowed"`
	Reason          string   `json:"reason,omitempty"`
	AllowedModels   []string `json:"allowedModels,omitempty"` // effective allowlist, nil = all
	MaxOutputTokens *int64   `json:"maxOutputTokens,omitempty"`
}

// Nil-safe accessors for logging.

func (d *PolicyDecision) IsAllowed() bool {
	return d != nil && d.Allowed
}

func (d *PolicyDecision) GetReason() string {
	if d == nil {
		return ""
	}
	return d.Reason
}

func (d *PolicyDecision) GetMaxOutputTokens() *int64 {
	if d == nil {
		return nil
	}
	return d.MaxOutputTokens
}
