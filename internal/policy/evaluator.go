package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/spendgate/internal/gateway"
)

// DefaultCacheTTL is how long a chain's policies are cached before re-fetching.
const DefaultCacheTTL = 30 * time.Second

// cacheEntry holds cached policies for one hierarchy chain.
type cacheEntry struct {
	policies  []*Policy
	fetchedAt time.Time
}

// Evaluator implements gateway.PolicyEvaluator over cascading policies.
type Evaluator struct {
	store    Store
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

// NewEvaluator creates a policy evaluator with the default cache TTL.
func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{
		store:    store,
		cacheTTL: DefaultCacheTTL,
		cache:    make(map[string]*cacheEntry),
	}
}

// WithCacheTTL overrides the default policy cache TTL.
func (e *Evaluator) WithCacheTTL(ttl time.Duration) *Evaluator {
	e.cacheTTL = ttl
	return e
}

// InvalidateCache drops every cached chain. A policy attached at the org
// level affects all chains below it, so invalidation is coarse.
func (e *Evaluator) InvalidateCache() {
	e.mu.Lock()
	e.cache = make(map[string]*cacheEntry)
	e.mu.Unlock()
}

// SweepCache removes expired entries. Returns the number removed.
func (e *Evaluator) SweepCache() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, entry := range e.cache {
		if now.Sub(entry.fetchedAt) > e.cacheTTL {
			delete(e.cache, k)
			removed++
		}
	}
	return removed
}

func chainKey(c gateway.Chain) string {
	return c.OrgID + "/" + c.WorkspaceID + "/" + c.AgentGroupID + "/" + c.AgentID
}

// cachedList returns the chain's policies from cache if fresh, otherwise
// fetches from the store.
func (e *Evaluator) cachedList(ctx context.Context, chain gateway.Chain) ([]*Policy, error) {
	key := chainKey(chain)
	now := time.Now()

	e.mu.RLock()
	entry, ok := e.cache[key]
	if ok && now.Sub(entry.fetchedAt) < e.cacheTTL {
		e.mu.RUnlock()
		return entry.policies, nil
	}
	e.mu.RUnlock()

	policies, err := e.store.ListForHierarchy(ctx, chain.OrgID, chain.WorkspaceID, chain.AgentGroupID, chain.AgentID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = &cacheEntry{
		policies:  policies,
		fetchedAt: now,
	}
	e.mu.Unlock()

	return policies, nil
}

// EvaluateRequest merges every active policy on the chain and enforces it
// against the requested model and output cap.
func (e *Evaluator) EvaluateRequest(ctx context.Context, chain gateway.Chain, model string, maxTokens *int64) (*gateway.PolicyDecision, error) {
	policies, err := e.cachedList(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err) // fail closed
	}

	effective := Merge(policies)
	capTokens, err := Enforce(effective, model, maxTokens)
	if err != nil {
		var verr *ViolationError
		if errors.As(err, &verr) {
			return &gateway.PolicyDecision{
				Evaluated:     len(policies),
				Allowed:       false,
				Reason:        fmt.Sprintf("Model %q is not allowed by the effective policy", model),
				AllowedModels: verr.Allowed,
			}, nil
		}
		return nil, err
	}

	return &gateway.PolicyDecision{
		Evaluated:       len(policies),
		Allowed:         true,
		AllowedModels:   effective.AllowedModels,
		MaxOutputTokens: capTokens,
	}, nil
}

// Effective returns the merged policy for a chain, bypassing enforcement.
// Used by the effective-policy debug endpoint and the MCP tools.
func (e *Evaluator) Effective(ctx context.Context, chain gateway.Chain) (*Effective, error) {
	policies, err := e.cachedList(ctx, chain)
	if err != nil {
		return nil, err
	}
	return Merge(policies), nil
}

// EffectivePolicy adapts Effective to the gateway's self-service shape.
func (e *Evaluator) EffectivePolicy(ctx context.Context, chain gateway.Chain) (*gateway.EffectivePolicy, error) {
	eff, err := e.Effective(ctx, chain)
	if err != nil {
		return nil, err
	}
	return &gateway.EffectivePolicy{
		AllowedModels:   eff.AllowedModels,
		MaxInputTokens:  eff.MaxInputTokens,
		MaxOutputTokens: eff.MaxOutputTokens,
		RPMLimit:        eff.RPMLimit,
	}, nil
}

// Compile-time checks against the gateway's consumer interfaces.
var (
	_ gateway.PolicyEvaluator = (*Evaluator)(nil)
	_ gateway.EffectiveSource = (*Evaluator)(nil)
)
