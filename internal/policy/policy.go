// Package policy implements cascading request policies for the gateway.
//
// A policy attaches to exactly one level of the hierarchy: organization,
// workspace, agent group or agent. At request time every active policy on the
// agent's chain is merged into one effective policy: allowed-model lists
// intersect, numeric limits take the minimum. A field no policy sets stays
// unlimited, so attaching a policy can only tighten what an agent may do.
package policy

import (
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrPolicyNotFound = errors.New("policy: not found")
	ErrTargetRequired = errors.New("policy: exactly one target is required")
)

// ViolationError reports a request the effective policy does not allow.
type ViolationError struct {
	Model   string
	Allowed []string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("policy: model %q is not in the allowed list %v", e.Model, e.Allowed)
}

// Policy is a set of request limits attached to one hierarchy level.
// Exactly one of the four target IDs is set.
type Policy struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	OrgID           string    `json:"orgId,omitempty"`
	WorkspaceID     string    `json:"workspaceId,omitempty"`
	AgentGroupID    string    `json:"agentGroupId,omitempty"`
	AgentID         string    `json:"agentId,omitempty"`
	AllowedModels   []string  `json:"allowedModels,omitempty"` // nil = all models
	MaxInputTokens  *int64    `json:"maxInputTokens,omitempty"`
	MaxOutputTokens *int64    `json:"maxOutputTokens,omitempty"`
	RPMLimit        *int64    `json:"rpmLimit,omitempty"`
	IsActive        bool      `json:"isActive"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// TargetCount returns how many hierarchy targets are set. Valid policies
// have exactly one.
func (p *Policy) TargetCount() int {
	n := 0
	for _, id := range []string{p.OrgID, p.WorkspaceID, p.AgentGroupID, p.AgentID} {
		if id != "" {
			n++
		}
	}
	return n
}

// Effective is the merged, most-restrictive policy for a request.
type Effective struct {
	AllowedModels   []string `json:"allowedModels"` // nil = all models
	MaxInputTokens  *int64   `json:"maxInputTokens"`
	MaxOutputTokens *int64   `json:"maxOutputTokens"`
	RPMLimit        *int64   `json:"rpmLimit"`
}

// Merge folds policies into one effective policy. Inactive policies are
// skipped. Allowed-model lists intersect; numeric limits take the minimum.
// The result does not depend on merge order.
func Merge(policies []*Policy) *Effective {
	merged := &Effective{}
	for _, p := range policies {
		if !p.IsActive {
			continue
		}

		if p.AllowedModels != nil {
			if merged.AllowedModels == nil {
				// Keep empty lists non-nil: an empty allowlist blocks
				// every model, nil means unrestricted.
				merged.AllowedModels = make([]string, 0, len(p.AllowedModels))
				merged.AllowedModels = append(merged.AllowedModels, p.AllowedModels...)
			} else {
				merged.AllowedModels = intersect(merged.AllowedModels, p.AllowedModels)
			}
		}
		merged.MaxInputTokens = minLimit(merged.MaxInputTokens, p.MaxInputTokens)
		merged.MaxOutputTokens = minLimit(merged.MaxOutputTokens, p.MaxOutputTokens)
		merged.RPMLimit = minLimit(merged.RPMLimit, p.RPMLimit)
	}
	return merged
}

// Enforce checks the model against the effective policy and returns the
// output-token cap to pass to the provider: the smaller of the requested
// value and the policy limit, or nil when neither is set.
func Enforce(p *Effective, model string, requestedMaxTokens *int64) (*int64, error) {
	if p.AllowedModels != nil && !contains(p.AllowedModels, model) {
		return nil, &ViolationError{Model: model, Allowed: p.AllowedModels}
	}
	return minLimit(requestedMaxTokens, p.MaxOutputTokens), nil
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, m := range b {
		set[m] = true
	}
	out := make([]string, 0, len(a))
	for _, m := range a {
		if set[m] {
			out = append(out, m)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, m := range list {
		if m == v {
			return true
		}
	}
	return false
}

func minLimit(a, b *int64) *int64 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *b < *a {
		return b
	}
	return a
}
