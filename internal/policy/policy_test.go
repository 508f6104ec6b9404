package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/gateway"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func ptr(v int64) *int64 { return &v }

var policySeq int64

func activePolicy(mutate func(*Policy)) *Policy {
	p := &Policy{
		ID:        fmt.Sprintf("p-%d", atomic.AddInt64(&policySeq, 1)),
		Name:      "test policy",
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if mutate != nil {
		mutate(p)
	}
	return p
}

// ============================================================================
// Merge tests
// ============================================================================

func TestMerge_EmptyIsUnrestricted(t *testing.T) {
	eff := Merge(nil)
	if eff.AllowedModels != nil {
		t.Errorf("Expected nil allowed models, got %v", eff.AllowedModels)
	}
	if eff.MaxInputTokens != nil || eff.MaxOutputTokens != nil || eff.RPMLimit != nil {
		t.Error("Expected all limits nil for empty merge")
	}
}

func TestMerge_IntersectsAllowedModels(t *testing.T) {
	a := activePolicy(func(p *Policy) {
		p.AllowedModels = []string{"gpt-4o", "gpt-4o-mini", "claude-3-5-sonnet-20241022"}
	})
	b := activePolicy(func(p *Policy) {
		p.AllowedModels = []string{"gpt-4o", "claude-3-5-sonnet-20241022", "mock-model"}
	})

	eff := Merge([]*Policy{a, b})
	want := []string{"gpt-4o", "claude-3-5-sonnet-20241022"}
	sort.Strings(eff.AllowedModels)
	sort.Strings(want)
	if !reflect.DeepEqual(eff.AllowedModels, want) {
		t.Errorf("Expected intersection %v, got %v", want, eff.AllowedModels)
	}
}

func TestMerge_NilListLeavesOtherIntact(t *testing.T) {
	unrestricted := activePolicy(func(p *Policy) { p.MaxOutputTokens = ptr(500) })
	listed := activePolicy(func(p *Policy) { p.AllowedModels = []string{"gpt-4o"} })

	eff := Merge([]*Policy{unrestricted, listed})
	if !reflect.DeepEqual(eff.AllowedModels, []string{"gpt-4o"}) {
		t.Errorf("Expected [gpt-4o], got %v", eff.AllowedModels)
	}
}

func TestMerge_EmptyListBlocksEverything(t *testing.T) {
	blocked := activePolicy(func(p *Policy) { p.AllowedModels = []string{} })

	eff := Merge([]*Policy{blocked})
	if eff.AllowedModels == nil {
		t.Fatal("Expected non-nil empty allowlist")
	}
	if _, err := Enforce(eff, "gpt-4o", nil); err == nil {
		t.Error("Expected violation for empty allowlist")
	}
}

func TestMerge_TakesMinimumLimits(t *testing.T) {
	a := activePolicy(func(p *Policy) {
		p.MaxInputTokens = ptr(8000)
		p.MaxOutputTokens = ptr(1000)
	})
	b := activePolicy(func(p *Policy) {
		p.MaxOutputTokens = ptr(500)
		p.RPMLimit = ptr(60)
	})

	eff := Merge([]*Policy{a, b})
	if eff.MaxInputTokens == nil || *eff.MaxInputTokens != 8000 {
		t.Errorf("Expected maxInputTokens 8000, got %v", eff.MaxInputTokens)
	}
	if eff.MaxOutputTokens == nil || *eff.MaxOutputTokens != 500 {
		t.Errorf("Expected maxOutputTokens 500, got %v", eff.MaxOutputTokens)
	}
	if eff.RPMLimit == nil || *eff.RPMLimit != 60 {
		t.Errorf("Expected rpmLimit 60, got %v", eff.RPMLimit)
	}
}

func TestMerge_SkipsInactive(t *testing.T) {
	inactive := activePolicy(func(p *Policy) {
		p.IsActive = false
		p.AllowedModels = []string{}
		p.MaxOutputTokens = ptr(1)
	})

	eff := Merge([]*Policy{inactive})
	if eff.AllowedModels != nil || eff.MaxOutputTokens != nil {
		t.Error("Inactive policy must not contribute to the merge")
	}
}

func TestMerge_OrderIndependent(t *testing.T) {
	a := activePolicy(func(p *Policy) {
		p.AllowedModels = []string{"gpt-4o", "gpt-4o-mini"}
		p.MaxOutputTokens = ptr(2000)
	})
	b := activePolicy(func(p *Policy) {
		p.AllowedModels = []string{"gpt-4o-mini", "gpt-4o"}
		p.MaxOutputTokens = ptr(800)
	})
	c := activePolicy(func(p *Policy) { p.RPMLimit = ptr(10) })

	first := Merge([]*Policy{a, b, c})
	second := Merge([]*Policy{c, b, a})

	sort.Strings(first.AllowedModels)
	sort.Strings(second.AllowedModels)
	if !reflect.DeepEqual(first.AllowedModels, second.AllowedModels) {
		t.Errorf("Allowlists differ by order: %v vs %v", first.AllowedModels, second.AllowedModels)
	}
	if *first.MaxOutputTokens != *second.MaxOutputTokens {
		t.Errorf("Limits differ by order: %d vs %d", *first.MaxOutputTokens, *second.MaxOutputTokens)
	}
}

// Adding a policy can only tighten the effective result.
func TestMerge_AdditionalPolicyNeverLoosens(t *testing.T) {
	base := []*Policy{
		activePolicy(func(p *Policy) {
			p.AllowedModels = []string{"gpt-4o"}
			p.MaxOutputTokens = ptr(500)
		}),
	}
	loose := activePolicy(func(p *Policy) {
		p.AllowedModels = []string{"gpt-4o", "gpt-4-turbo"}
		p.MaxOutputTokens = ptr(4000)
	})

	eff := Merge(append(base, loose))
	if len(eff.AllowedModels) != 1 || eff.AllowedModels[0] != "gpt-4o" {
		t.Errorf("Expected allowlist to stay [gpt-4o], got %v", eff.AllowedModels)
	}
	if *eff.MaxOutputTokens != 500 {
		t.Errorf("Expected cap to stay 500, got %d", *eff.MaxOutputTokens)
	}
}

// ============================================================================
// Enforce tests
// ============================================================================

func TestEnforce_ModelViolation(t *testing.T) {
	eff := &Effective{AllowedModels: []string{"gpt-4o-mini"}}

	_, err := Enforce(eff, "gpt-4o", nil)
	var verr *ViolationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ViolationError, got %v", err)
	}
	if verr.Model != "gpt-4o" {
		t.Errorf("Expected model gpt-4o in violation, got %s", verr.Model)
	}
	if len(verr.Allowed) != 1 || verr.Allowed[0] != "gpt-4o-mini" {
		t.Errorf("Expected allowed list in violation, got %v", verr.Allowed)
	}
}

func TestEnforce_OutputCap(t *testing.T) {
	tests := []struct {
		name      string
		policyCap *int64
		requested *int64
		want      *int64
	}{
		{"policy caps request", ptr(1000), ptr(2000), ptr(1000)},
		{"request below cap", ptr(1000), ptr(500), ptr(500)},
		{"no request uses cap", ptr(1000), nil, ptr(1000)},
		{"no cap echoes request", nil, ptr(2000), ptr(2000)},
		{"neither set", nil, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Enforce(&Effective{MaxOutputTokens: tt.policyCap}, "gpt-4o", tt.requested)
			if err != nil {
				t.Fatalf("Enforce failed: %v", err)
			}
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("Expected nil cap, got %d", *got)
			case tt.want != nil && got == nil:
				t.Errorf("Expected cap %d, got nil", *tt.want)
			case tt.want != nil && *got != *tt.want:
				t.Errorf("Expected cap %d, got %d", *tt.want, *got)
			}
		})
	}
}

func TestEnforce_NilAllowlistAllowsAnyModel(t *testing.T) {
	if _, err := Enforce(&Effective{}, "some-unheard-of-model", nil); err != nil {
		t.Errorf("Expected nil allowlist to allow any model, got %v", err)
	}
}

// ============================================================================
// Evaluator tests
// ============================================================================

var testChain = gateway.Chain{
	OrgID:        "org-1",
	WorkspaceID:  "ws-1",
	AgentGroupID: "ag-1",
	AgentID:      "agent-1",
}

func seedPolicy(t *testing.T, store Store, mutate func(*Policy)) *Policy {
	t.Helper()
	p := activePolicy(mutate)
	if p.TargetCount() == 0 {
		p.OrgID = testChain.OrgID
	}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return p
}

func TestEvaluator_AllowsWithoutPolicies(t *testing.T) {
	eval := NewEvaluator(NewMemoryStore())

	d, err := eval.EvaluateRequest(context.Background(), testChain, "gpt-4o", ptr(256))
	if err != nil {
		t.Fatalf("EvaluateRequest failed: %v", err)
	}
	if !d.IsAllowed() {
		t.Fatalf("Expected allow, got deny: %s", d.GetReason())
	}
	if d.Evaluated != 0 {
		t.Errorf("Expected 0 policies evaluated, got %d", d.Evaluated)
	}
	if d.MaxOutputTokens == nil || *d.MaxOutputTokens != 256 {
		t.Errorf("Expected requested cap echoed, got %v", d.MaxOutputTokens)
	}
}

func TestEvaluator_DeniesDisallowedModel(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store, func(p *Policy) {
		p.OrgID = testChain.OrgID
		p.AllowedModels = []string{"gpt-4o-mini"}
	})
	eval := NewEvaluator(store)

	d, err := eval.EvaluateRequest(context.Background(), testChain, "gpt-4o", nil)
	if err != nil {
		t.Fatalf("EvaluateRequest failed: %v", err)
	}
	if d.IsAllowed() {
		t.Fatal("Expected deny for disallowed model")
	}
	if d.GetReason() == "" {
		t.Error("Expected a human-readable reason")
	}
	if len(d.AllowedModels) != 1 || d.AllowedModels[0] != "gpt-4o-mini" {
		t.Errorf("Expected effective allowlist in decision, got %v", d.AllowedModels)
	}
}

func TestEvaluator_MergesAcrossLevels(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store, func(p *Policy) {
		p.OrgID = testChain.OrgID
		p.MaxOutputTokens = ptr(2000)
	})
	seedPolicy(t, store, func(p *Policy) {
		p.AgentID = testChain.AgentID
		p.MaxOutputTokens = ptr(300)
	})
	eval := NewEvaluator(store)

	d, err := eval.EvaluateRequest(context.Background(), testChain, "gpt-4o", ptr(1000))
	if err != nil {
		t.Fatalf("EvaluateRequest failed: %v", err)
	}
	if d.Evaluated != 2 {
		t.Errorf("Expected 2 policies evaluated, got %d", d.Evaluated)
	}
	if d.MaxOutputTokens == nil || *d.MaxOutputTokens != 300 {
		t.Errorf("Expected tightest cap 300, got %v", d.MaxOutputTokens)
	}
}

func TestEvaluator_IgnoresOtherChains(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store, func(p *Policy) {
		p.OrgID = "some-other-org"
		p.AllowedModels = []string{}
	})
	eval := NewEvaluator(store)

	d, err := eval.EvaluateRequest(context.Background(), testChain, "gpt-4o", nil)
	if err != nil {
		t.Fatalf("EvaluateRequest failed: %v", err)
	}
	if !d.IsAllowed() {
		t.Errorf("Policy on an unrelated org must not apply: %s", d.GetReason())
	}
}

func TestEvaluator_CacheAndInvalidation(t *testing.T) {
	store := NewMemoryStore()
	eval := NewEvaluator(store).WithCacheTTL(time.Hour)

	d, err := eval.EvaluateRequest(context.Background(), testChain, "gpt-4o", nil)
	if err != nil || !d.IsAllowed() {
		t.Fatalf("Expected initial allow, got d=%+v err=%v", d, err)
	}

	seedPolicy(t, store, func(p *Policy) {
		p.OrgID = testChain.OrgID
		p.AllowedModels = []string{"gpt-4o-mini"}
	})

	// Cached result still serves until invalidation.
	d, err = eval.EvaluateRequest(context.Background(), testChain, "gpt-4o", nil)
	if err != nil {
		t.Fatalf("EvaluateRequest failed: %v", err)
	}
	if !d.IsAllowed() {
		t.Fatal("Expected cached allow before invalidation")
	}

	eval.InvalidateCache()
	d, err = eval.EvaluateRequest(context.Background(), testChain, "gpt-4o", nil)
	if err != nil {
		t.Fatalf("EvaluateRequest failed: %v", err)
	}
	if d.IsAllowed() {
		t.Fatal("Expected deny after cache invalidation")
	}
}

func TestEvaluator_SweepCache(t *testing.T) {
	eval := NewEvaluator(NewMemoryStore()).WithCacheTTL(time.Nanosecond)

	if _, err := eval.EvaluateRequest(context.Background(), testChain, "gpt-4o", nil); err != nil {
		t.Fatalf("EvaluateRequest failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if removed := eval.SweepCache(); removed != 1 {
		t.Errorf("Expected 1 swept entry, got %d", removed)
	}
}

// ============================================================================
// Store tests
// ============================================================================

func TestMemoryStore_ListFilters(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store, func(p *Policy) { p.OrgID = "org-1" })
	seedPolicy(t, store, func(p *Policy) { p.AgentID = "agent-1" })

	byOrg, err := store.List(context.Background(), Filter{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(byOrg) != 1 {
		t.Errorf("Expected 1 org policy, got %d", len(byOrg))
	}

	all, err := store.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(all))
	}
}

func TestMemoryStore_ListForHierarchySkipsInactive(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store, func(p *Policy) {
		p.OrgID = testChain.OrgID
		p.IsActive = false
	})
	seedPolicy(t, store, func(p *Policy) { p.AgentID = testChain.AgentID })

	policies, err := store.ListForHierarchy(context.Background(),
		testChain.OrgID, testChain.WorkspaceID, testChain.AgentGroupID, testChain.AgentID)
	if err != nil {
		t.Fatalf("ListForHierarchy failed: %v", err)
	}
	if len(policies) != 1 {
		t.Errorf("Expected 1 active policy, got %d", len(policies))
	}
}

func TestMemoryStore_UpdateAndDelete(t *testing.T) {
	store := NewMemoryStore()
	p := seedPolicy(t, store, func(p *Policy) { p.OrgID = "org-1" })

	p.MaxOutputTokens = ptr(42)
	if err := store.Update(context.Background(), p); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := store.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.MaxOutputTokens == nil || *got.MaxOutputTokens != 42 {
		t.Errorf("Expected updated cap 42, got %v", got.MaxOutputTokens)
	}

	if err := store.Delete(context.Background(), p.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(context.Background(), p.ID); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("Expected ErrPolicyNotFound after delete, got %v", err)
	}
}

// ============================================================================
// Handler tests
// ============================================================================

type stubChains struct{}

func (stubChains) ChainIDsForAgent(_ context.Context, agentID string) (string, string, string, error) {
	if agentID != testChain.AgentID {
		return "", "", "", errors.New("agent not found")
	}
	return testChain.OrgID, testChain.WorkspaceID, testChain.AgentGroupID, nil
}

func newTestRouter(store Store) (*gin.Engine, *Evaluator) {
	eval := NewEvaluator(store)
	h := NewHandler(store, eval, stubChains{})
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r, eval
}

func TestHandler_CreateRequiresExactlyOneTarget(t *testing.T) {
	r, _ := newTestRouter(NewMemoryStore())

	for _, body := range []string{
		`{"name": "no target"}`,
		`{"name": "two targets", "orgId": "org-1", "agentId": "agent-1"}`,
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/policies", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d", body, w.Code)
		}
	}
}

func TestHandler_CreateAndGet(t *testing.T) {
	r, _ := newTestRouter(NewMemoryStore())

	body := `{"name": "org limits", "orgId": "org-1", "allowedModels": ["gpt-4o"], "maxOutputTokens": 500}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/policies", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Policy Policy `json:"policy"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created.Policy.ID == "" {
		t.Fatal("Expected generated policy ID")
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/policies/"+created.Policy.ID, nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
}

func TestHandler_CreateRejectsNonPositiveLimit(t *testing.T) {
	r, _ := newTestRouter(NewMemoryStore())

	body := `{"name": "bad", "orgId": "org-1", "maxOutputTokens": 0}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/policies", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for zero limit, got %d", w.Code)
	}
}

func TestHandler_EffectiveEndpoint(t *testing.T) {
	store := NewMemoryStore()
	seedPolicy(t, store, func(p *Policy) {
		p.OrgID = testChain.OrgID
		p.AllowedModels = []string{"gpt-4o"}
		p.MaxOutputTokens = ptr(750)
	})
	r, _ := newTestRouter(store)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/policies/effective?agent_id="+testChain.AgentID, nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		EffectivePolicy Effective `json:"effectivePolicy"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.EffectivePolicy.MaxOutputTokens == nil || *resp.EffectivePolicy.MaxOutputTokens != 750 {
		t.Errorf("Expected effective cap 750, got %v", resp.EffectivePolicy.MaxOutputTokens)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/policies/effective?agent_id=unknown", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown agent, got %d", w.Code)
	}
}

func TestHandler_DeleteInvalidatesEvaluatorCache(t *testing.T) {
	store := NewMemoryStore()
	r, eval := newTestRouter(store)
	eval.WithCacheTTL(time.Hour)

	p := seedPolicy(t, store, func(p *Policy) {
		p.OrgID = testChain.OrgID
		p.AllowedModels = []string{"gpt-4o-mini"}
	})

	d, err := eval.EvaluateRequest(context.Background(), testChain, "gpt-4o", nil)
	if err != nil || d.IsAllowed() {
		t.Fatalf("Expected deny before delete, got d=%+v err=%v", d, err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/v1/policies/"+p.ID, nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on delete, got %d", w.Code)
	}

	d, err = eval.EvaluateRequest(context.Background(), testChain, "gpt-4o", nil)
	if err != nil {
		t.Fatalf("EvaluateRequest failed: %v", err)
	}
	if !d.IsAllowed() {
		t.Error("Expected allow after deleting the blocking policy")
	}
}
