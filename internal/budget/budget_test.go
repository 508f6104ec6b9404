package budget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/gateway"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testChain = gateway.Chain{
	OrgID:        "org-1",
	WorkspaceID:  "ws-1",
	AgentGroupID: "ag-1",
	AgentID:      "agent-1",
}

var budgetSeq int64

// seedBudget creates an active TOTAL budget on the test chain's org unless
// mutate says otherwise. Creation times are staggered so ListForHierarchy
// order is deterministic.
func seedBudget(t *testing.T, store Store, mutate func(*Budget)) *Budget {
	t.Helper()
	n := atomic.AddInt64(&budgetSeq, 1)
	b := &Budget{
		ID:           fmt.Sprintf("b-%d", n),
		Period:       PeriodTotal,
		LimitCredits: 1000,
		AutoDisable:  true,
		IsActive:     true,
		CreatedAt:    time.Now().UTC().Add(time.Duration(n) * time.Millisecond),
		UpdatedAt:    time.Now().UTC(),
	}
	if mutate != nil {
		mutate(b)
	}
	if b.TargetCount() == 0 {
		b.OrgID = testChain.OrgID
	}
	if err := store.Create(context.Background(), b); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return b
}

// stubSummer returns a fixed spend per target ID and records the window
// starts it was asked about.
type stubSummer struct {
	byTarget map[string]int64
	err      error
	sinces   []time.Time
}

func (s *stubSummer) SumSuccessCredits(_ context.Context, orgID, workspaceID, agentGroupID, agentID string, since time.Time) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.sinces = append(s.sinces, since)
	for _, id := range []string{agentID, agentGroupID, workspaceID, orgID} {
		if id != "" {
			return s.byTarget[id], nil
		}
	}
	return 0, nil
}

type stubDisabler struct {
	targets []Target
	err     error
}

func (d *stubDisabler) DisableTarget(_ context.Context, target Target) error {
	if d.err != nil {
		return d.err
	}
	d.targets = append(d.targets, target)
	return nil
}

type stubAuditor struct {
	eventTypes   []string
	descriptions []string
	orgIDs       []string
}

func (a *stubAuditor) LogEvent(_ context.Context, orgID, _, eventType, description string, _ map[string]any) error {
	a.orgIDs = append(a.orgIDs, orgID)
	a.eventTypes = append(a.eventTypes, eventType)
	a.descriptions = append(a.descriptions, description)
	return nil
}

type stubNotifier struct {
	exceeded []*gateway.BudgetDecision
	disabled []Target
	orgIDs   []string
}

func (n *stubNotifier) BudgetExceeded(_ context.Context, orgID string, d *gateway.BudgetDecision) {
	n.orgIDs = append(n.orgIDs, orgID)
	n.exceeded = append(n.exceeded, d)
}

func (n *stubNotifier) TargetDisabled(_ context.Context, _ string, target Target) {
	n.disabled = append(n.disabled, target)
}

// ============================================================================
// Period window tests
// ============================================================================

func TestPeriodStart(t *testing.T) {
	tests := []struct {
		name   string
		period Period
		now    time.Time
		want   time.Time
	}{
		{
			name:   "daily midday",
			period: PeriodDaily,
			now:    time.Date(2026, 3, 15, 14, 30, 45, 123, time.UTC),
			want:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "daily at exact midnight",
			period: PeriodDaily,
			now:    time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
			want:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "daily normalizes zone to UTC day",
			period: PeriodDaily,
			now:    time.Date(2026, 3, 16, 9, 30, 0, 0, time.FixedZone("AEST", 10*3600)),
			want:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "monthly mid-month",
			period: PeriodMonthly,
			now:    time.Date(2026, 3, 15, 14, 30, 45, 0, time.UTC),
			want:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "monthly on the last day",
			period: PeriodMonthly,
			now:    time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC),
			want:   time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "total is all time",
			period: PeriodTotal,
			now:    time.Date(2026, 3, 15, 14, 30, 45, 0, time.UTC),
			want:   time.Time{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PeriodStart(tt.period, tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("Expected window start %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPeriodValid(t *testing.T) {
	for _, p := range []Period{PeriodDaily, PeriodMonthly, PeriodTotal} {
		if !p.Valid() {
			t.Errorf("Expected %s to be valid", p)
		}
	}
	for _, p := range []Period{"", "WEEKLY", "daily"} {
		if p.Valid() {
			t.Errorf("Expected %q to be invalid", p)
		}
	}
}

func TestBudgetTarget(t *testing.T) {
	b := &Budget{AgentID: "agent-1"}
	if got := b.Target(); got.Level != LevelAgent || got.ID != "agent-1" {
		t.Errorf("Expected agent target, got %+v", got)
	}
	b = &Budget{WorkspaceID: "ws-1"}
	if got := b.Target(); got.Level != LevelWorkspace || got.ID != "ws-1" {
		t.Errorf("Expected workspace target, got %+v", got)
	}
	if b.TargetCount() != 1 {
		t.Errorf("Expected one target, got %d", b.TargetCount())
	}
}

// ============================================================================
// Checker tests
// ============================================================================

func TestChecker_AllowsUnderLimit(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, func(b *Budget) {
		b.OrgID = testChain.OrgID
		b.LimitCredits = 1000
	})
	summer := &stubSummer{byTarget: map[string]int64{testChain.OrgID: 500}}
	disabler := &stubDisabler{}
	checker := NewChecker(store, summer, disabler, slog.Default())

	d, err := checker.CheckBudgets(context.Background(), testChain, 100)
	if err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if !d.IsAllowed() {
		t.Fatalf("Expected allow, got %+v", d)
	}
	if len(disabler.targets) != 0 {
		t.Errorf("Expected no disables, got %v", disabler.targets)
	}
}

func TestChecker_ExactFitAllowed(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, func(b *Budget) {
		b.OrgID = testChain.OrgID
		b.LimitCredits = 1000
	})
	summer := &stubSummer{byTarget: map[string]int64{testChain.OrgID: 900}}
	checker := NewChecker(store, summer, &stubDisabler{}, slog.Default())

	d, err := checker.CheckBudgets(context.Background(), testChain, 100)
	if err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if !d.IsAllowed() {
		t.Errorf("Expected current+required == limit to pass, got %+v", d)
	}
}

func TestChecker_BlocksAndDisables(t *testing.T) {
	store := NewMemoryStore()
	b := seedBudget(t, store, func(b *Budget) {
		b.OrgID = testChain.OrgID
		b.LimitCredits = 1000
	})
	summer := &stubSummer{byTarget: map[string]int64{testChain.OrgID: 950}}
	disabler := &stubDisabler{}
	checker := NewChecker(store, summer, disabler, slog.Default())

	d, err := checker.CheckBudgets(context.Background(), testChain, 51)
	if err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if d.IsAllowed() {
		t.Fatal("Expected block when current+required exceeds limit")
	}
	if d.BudgetID != b.ID {
		t.Errorf("Expected budget %s, got %s", b.ID, d.BudgetID)
	}
	if d.Level != "organization" || d.Period != "TOTAL" {
		t.Errorf("Expected organization/TOTAL, got %s/%s", d.Level, d.Period)
	}
	if d.Current != 950 || d.Limit != 1000 || d.Required != 51 {
		t.Errorf("Unexpected decision numbers: %+v", d)
	}
	if !d.Disabled {
		t.Error("Expected target to be auto-disabled")
	}
	if len(disabler.targets) != 1 || disabler.targets[0] != (Target{Level: LevelOrganization, ID: testChain.OrgID}) {
		t.Errorf("Expected org disable, got %v", disabler.targets)
	}

	want := "Budget exceeded at organization level (TOTAL): current=950, limit=1000, required=51. Target has been auto-disabled."
	if d.Message() != want {
		t.Errorf("Expected message %q, got %q", want, d.Message())
	}
}

func TestChecker_AgentBudgetDisablesAgent(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, func(b *Budget) {
		b.AgentID = testChain.AgentID
		b.LimitCredits = 10
	})
	summer := &stubSummer{byTarget: map[string]int64{testChain.AgentID: 10}}
	disabler := &stubDisabler{}
	checker := NewChecker(store, summer, disabler, slog.Default())

	d, err := checker.CheckBudgets(context.Background(), testChain, 1)
	if err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if d.IsAllowed() {
		t.Fatal("Expected block")
	}
	if d.Level != "agent" {
		t.Errorf("Expected agent level, got %s", d.Level)
	}
	if len(disabler.targets) != 1 || disabler.targets[0] != (Target{Level: LevelAgent, ID: testChain.AgentID}) {
		t.Errorf("Expected agent disable, got %v", disabler.targets)
	}
}

func TestChecker_AutoDisableOff(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, func(b *Budget) {
		b.OrgID = testChain.OrgID
		b.LimitCredits = 100
		b.AutoDisable = false
	})
	summer := &stubSummer{byTarget: map[string]int64{testChain.OrgID: 100}}
	disabler := &stubDisabler{}
	checker := NewChecker(store, summer, disabler, slog.Default())

	d, err := checker.CheckBudgets(context.Background(), testChain, 1)
	if err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if d.IsAllowed() {
		t.Fatal("Expected block")
	}
	if d.Disabled {
		t.Error("Expected no auto-disable")
	}
	if len(disabler.targets) != 0 {
		t.Errorf("Expected disabler untouched, got %v", disabler.targets)
	}

	want := "Budget exceeded at organization level (TOTAL): current=100, limit=100, required=1."
	if d.Message() != want {
		t.Errorf("Expected message %q, got %q", want, d.Message())
	}
}

func TestChecker_DisableFailureStillBlocks(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, func(b *Budget) {
		b.OrgID = testChain.OrgID
		b.LimitCredits = 100
	})
	summer := &stubSummer{byTarget: map[string]int64{testChain.OrgID: 200}}
	checker := NewChecker(store, summer, &stubDisabler{err: errors.New("db down")}, slog.Default())

	d, err := checker.CheckBudgets(context.Background(), testChain, 1)
	if err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if d.IsAllowed() {
		t.Fatal("Expected block even when disable fails")
	}
	if d.Disabled {
		t.Error("Expected Disabled=false when the disable write fails")
	}
}

func TestChecker_WindowStarts(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, func(b *Budget) {
		b.OrgID = testChain.OrgID
		b.Period = PeriodDaily
	})
	seedBudget(t, store, func(b *Budget) {
		b.WorkspaceID = testChain.WorkspaceID
		b.Period = PeriodTotal
	})
	summer := &stubSummer{byTarget: map[string]int64{}}
	checker := NewChecker(store, summer, &stubDisabler{}, slog.Default())

	if _, err := checker.CheckBudgets(context.Background(), testChain, 1); err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if len(summer.sinces) != 2 {
		t.Fatalf("Expected 2 usage sums, got %d", len(summer.sinces))
	}

	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !summer.sinces[0].Equal(midnight) {
		t.Errorf("Expected daily window start %v, got %v", midnight, summer.sinces[0])
	}
	if !summer.sinces[1].IsZero() {
		t.Errorf("Expected zero window start for TOTAL, got %v", summer.sinces[1])
	}
}

func TestChecker_SkipsInactiveBudgets(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, func(b *Budget) {
		b.OrgID = testChain.OrgID
		b.LimitCredits = 1
		b.IsActive = false
	})
	summer := &stubSummer{byTarget: map[string]int64{testChain.OrgID: 999}}
	checker := NewChecker(store, summer, &stubDisabler{}, slog.Default())

	d, err := checker.CheckBudgets(context.Background(), testChain, 100)
	if err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if !d.IsAllowed() {
		t.Errorf("Expected inactive budget to be ignored, got %+v", d)
	}
}

func TestChecker_IgnoresOtherChains(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, func(b *Budget) {
		b.WorkspaceID = "ws-other"
		b.LimitCredits = 1
	})
	summer := &stubSummer{byTarget: map[string]int64{"ws-other": 999}}
	checker := NewChecker(store, summer, &stubDisabler{}, slog.Default())

	d, err := checker.CheckBudgets(context.Background(), testChain, 100)
	if err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if !d.IsAllowed() {
		t.Errorf("Expected budgets on other chains to be ignored, got %+v", d)
	}
}

func TestChecker_OldestExceededBudgetWins(t *testing.T) {
	store := NewMemoryStore()
	older := seedBudget(t, store, func(b *Budget) {
		b.WorkspaceID = testChain.WorkspaceID
		b.LimitCredits = 10
	})
	seedBudget(t, store, func(b *Budget) {
		b.OrgID = testChain.OrgID
		b.LimitCredits = 10
	})
	summer := &stubSummer{byTarget: map[string]int64{
		testChain.WorkspaceID: 100,
		testChain.OrgID:       100,
	}}
	checker := NewChecker(store, summer, &stubDisabler{}, slog.Default())

	d, err := checker.CheckBudgets(context.Background(), testChain, 1)
	if err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if d.IsAllowed() {
		t.Fatal("Expected block")
	}
	if d.BudgetID != older.ID {
		t.Errorf("Expected oldest budget %s to block first, got %s", older.ID, d.BudgetID)
	}
}

func TestChecker_TightBudgetBlocksDespiteLooseParent(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, func(b *Budget) {
		b.OrgID = testChain.OrgID
		b.LimitCredits = 1000000
	})
	tight := seedBudget(t, store, func(b *Budget) {
		b.AgentID = testChain.AgentID
		b.LimitCredits = 50
	})
	summer := &stubSummer{byTarget: map[string]int64{
		testChain.OrgID:   100,
		testChain.AgentID: 45,
	}}
	checker := NewChecker(store, summer, &stubDisabler{}, slog.Default())

	d, err := checker.CheckBudgets(context.Background(), testChain, 10)
	if err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if d.IsAllowed() {
		t.Fatal("Expected the agent budget to block")
	}
	if d.BudgetID != tight.ID {
		t.Errorf("Expected budget %s, got %s", tight.ID, d.BudgetID)
	}
}

func TestChecker_UsageErrorFailsClosed(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, nil)
	summer := &stubSummer{err: errors.New("usage store down")}
	checker := NewChecker(store, summer, &stubDisabler{}, slog.Default())

	if _, err := checker.CheckBudgets(context.Background(), testChain, 1); err == nil {
		t.Fatal("Expected error when the usage sum fails")
	}
}

func TestChecker_AuditsExceededBudget(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, func(b *Budget) {
		b.OrgID = testChain.OrgID
		b.LimitCredits = 100
	})
	summer := &stubSummer{byTarget: map[string]int64{testChain.OrgID: 200}}
	auditor := &stubAuditor{}
	checker := NewChecker(store, summer, &stubDisabler{}, slog.Default()).WithAuditor(auditor)

	d, err := checker.CheckBudgets(context.Background(), testChain, 1)
	if err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if d.IsAllowed() {
		t.Fatal("Expected block")
	}
	if len(auditor.eventTypes) != 1 || auditor.eventTypes[0] != "budget.exceeded" {
		t.Fatalf("Expected one budget.exceeded event, got %v", auditor.eventTypes)
	}
	if auditor.orgIDs[0] != testChain.OrgID {
		t.Errorf("Expected audit org %s, got %s", testChain.OrgID, auditor.orgIDs[0])
	}
	if auditor.descriptions[0] != d.Message() {
		t.Errorf("Expected audit description %q, got %q", d.Message(), auditor.descriptions[0])
	}
}

func TestChecker_NotifiesOnBlock(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, func(b *Budget) {
		b.OrgID = testChain.OrgID
		b.LimitCredits = 100
	})
	summer := &stubSummer{byTarget: map[string]int64{testChain.OrgID: 200}}
	notifier := &stubNotifier{}
	checker := NewChecker(store, summer, &stubDisabler{}, slog.Default()).WithNotifier(notifier)

	d, err := checker.CheckBudgets(context.Background(), testChain, 1)
	if err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if d.IsAllowed() {
		t.Fatal("Expected block")
	}
	if len(notifier.exceeded) != 1 || notifier.orgIDs[0] != testChain.OrgID {
		t.Fatalf("Expected one exceeded notification for %s, got %+v", testChain.OrgID, notifier)
	}
	if notifier.exceeded[0].BudgetID != d.BudgetID {
		t.Errorf("Expected decision %s in notification, got %s", d.BudgetID, notifier.exceeded[0].BudgetID)
	}
	// seedBudget sets AutoDisable, so the disable fans out too.
	if len(notifier.disabled) != 1 || notifier.disabled[0] != (Target{Level: LevelOrganization, ID: testChain.OrgID}) {
		t.Errorf("Expected the org disable to be announced, got %v", notifier.disabled)
	}
}

func TestChecker_NoDisableNotificationWithoutAutoDisable(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, func(b *Budget) {
		b.OrgID = testChain.OrgID
		b.LimitCredits = 100
		b.AutoDisable = false
	})
	summer := &stubSummer{byTarget: map[string]int64{testChain.OrgID: 200}}
	notifier := &stubNotifier{}
	checker := NewChecker(store, summer, &stubDisabler{}, slog.Default()).WithNotifier(notifier)

	d, err := checker.CheckBudgets(context.Background(), testChain, 1)
	if err != nil {
		t.Fatalf("CheckBudgets failed: %v", err)
	}
	if d.IsAllowed() {
		t.Fatal("Expected block")
	}
	if len(notifier.exceeded) != 1 {
		t.Fatalf("Expected one exceeded notification, got %d", len(notifier.exceeded))
	}
	if len(notifier.disabled) != 0 {
		t.Errorf("Expected no disable notification, got %v", notifier.disabled)
	}
}

// ============================================================================
// MemoryStore tests
// ============================================================================

func TestMemoryStore_ListFilters(t *testing.T) {
	store := NewMemoryStore()
	seedBudget(t, store, func(b *Budget) { b.OrgID = "org-a" })
	seedBudget(t, store, func(b *Budget) { b.OrgID = "org-b" })
	seedBudget(t, store, func(b *Budget) { b.AgentID = "agent-z" })

	budgets, err := store.List(context.Background(), Filter{OrgID: "org-a"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(budgets) != 1 || budgets[0].OrgID != "org-a" {
		t.Errorf("Expected one org-a budget, got %v", budgets)
	}

	budgets, err = store.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(budgets) != 3 {
		t.Errorf("Expected 3 budgets, got %d", len(budgets))
	}
}

func TestMemoryStore_UpdateAndDelete(t *testing.T) {
	store := NewMemoryStore()
	b := seedBudget(t, store, nil)

	b.LimitCredits = 5000
	if err := store.Update(context.Background(), b); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := store.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.LimitCredits != 5000 {
		t.Errorf("Expected limit 5000, got %d", got.LimitCredits)
	}

	if err := store.Delete(context.Background(), b.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(context.Background(), b.ID); !errors.Is(err, ErrBudgetNotFound) {
		t.Errorf("Expected ErrBudgetNotFound, got %v", err)
	}
	if err := store.Update(context.Background(), b); !errors.Is(err, ErrBudgetNotFound) {
		t.Errorf("Expected ErrBudgetNotFound on update, got %v", err)
	}
}

// ============================================================================
// Handler tests
// ============================================================================

func newTestRouter(store Store, summer UsageSummer) *gin.Engine {
	h := NewHandler(store, summer)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func TestHandler_CreateRequiresExactlyOneTarget(t *testing.T) {
	r := newTestRouter(NewMemoryStore(), &stubSummer{})

	for _, body := range []string{
		`{"period": "DAILY", "limitCredits": 100}`,
		`{"period": "DAILY", "limitCredits": 100, "orgId": "org-1", "agentId": "agent-1"}`,
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/budgets", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d", body, w.Code)
		}
	}
}

func TestHandler_CreateRejectsBadPeriodAndLimit(t *testing.T) {
	r := newTestRouter(NewMemoryStore(), &stubSummer{})

	for _, body := range []string{
		`{"period": "WEEKLY", "limitCredits": 100, "orgId": "org-1"}`,
		`{"period": "DAILY", "limitCredits": -5, "orgId": "org-1"}`,
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/budgets", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d", body, w.Code)
		}
	}
}

func TestHandler_CreateAndGet(t *testing.T) {
	r := newTestRouter(NewMemoryStore(), &stubSummer{})

	body := `{"period": "MONTHLY", "limitCredits": 50000, "workspaceId": "ws-1", "autoDisable": false}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/budgets", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Budget Budget `json:"budget"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if created.Budget.ID == "" {
		t.Fatal("Expected generated budget ID")
	}
	if created.Budget.AutoDisable {
		t.Error("Expected autoDisable false")
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/budgets/"+created.Budget.ID, nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
}

func TestHandler_UpdateChangesLimit(t *testing.T) {
	store := NewMemoryStore()
	b := seedBudget(t, store, nil)
	r := newTestRouter(store, &stubSummer{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/v1/budgets/"+b.ID, bytes.NewBufferString(`{"limitCredits": 2000}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, err := store.Get(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.LimitCredits != 2000 {
		t.Errorf("Expected limit 2000, got %d", got.LimitCredits)
	}
	if got.Period != b.Period {
		t.Errorf("Expected period unchanged, got %s", got.Period)
	}
}

func TestHandler_UsageEndpoint(t *testing.T) {
	store := NewMemoryStore()
	b := seedBudget(t, store, func(b *Budget) {
		b.OrgID = testChain.OrgID
		b.LimitCredits = 1000
	})
	summer := &stubSummer{byTarget: map[string]int64{testChain.OrgID: 400}}
	r := newTestRouter(store, summer)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/budgets/"+b.ID+"/usage", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		UsedCredits      int64 `json:"usedCredits"`
		RemainingCredits int64 `json:"remainingCredits"`
		LimitCredits     int64 `json:"limitCredits"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.UsedCredits != 400 || resp.RemainingCredits != 600 || resp.LimitCredits != 1000 {
		t.Errorf("Unexpected usage payload: %+v", resp)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/budgets/missing/usage", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown budget, got %d", w.Code)
	}
}

func TestHandler_DeleteRemovesBudget(t *testing.T) {
	store := NewMemoryStore()
	b := seedBudget(t, store, nil)
	r := newTestRouter(store, &stubSummer{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/v1/budgets/"+b.ID, nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/budgets/"+b.ID, nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}
