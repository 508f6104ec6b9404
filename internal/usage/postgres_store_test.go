//go:build integration

package usage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/testutil"
)

// hierarchy is one seeded org -> workspace -> agent group -> agent path.
type hierarchy struct {
	UserID       string
	BillingGroup string
	OrgID        string
	WorkspaceID  string
	AgentGroupID string
	AgentID      string
}

func seedHierarchy(t *testing.T, db *sql.DB) hierarchy {
	t.Helper()

	h := hierarchy{
		UserID:       idgen.New(),
		BillingGroup: idgen.New(),
		OrgID:        idgen.New(),
		WorkspaceID:  idgen.New(),
		AgentGroupID: idgen.New(),
		AgentID:      idgen.New(),
	}

	exec := func(query string, args ...any) {
		t.Helper()
		if _, err := db.Exec(query, args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	exec(`INSERT INTO users (id, email) VALUES ($1, $2)`, h.UserID, h.UserID+"@test.local")
	exec(`INSERT INTO groups (id, name, owner_id) VALUES ($1, 'billing', $2)`, h.BillingGroup, h.UserID)
	exec(`INSERT INTO organizations (id, name, slug, owner_id, billing_group_id) VALUES ($1, 'Test Org', $2, $3, $4)`,
		h.OrgID, "org-"+h.OrgID[:8], h.UserID, h.BillingGroup)
	exec(`INSERT INTO workspaces (id, org_id, name, slug) VALUES ($1, $2, 'Test WS', $3)`,
		h.WorkspaceID, h.OrgID, "ws-"+h.WorkspaceID[:8])
	exec(`INSERT INTO agent_groups (id, workspace_id, name) VALUES ($1, $2, 'Test Fleet')`,
		h.AgentGroupID, h.WorkspaceID)
	exec(`INSERT INTO agents (id, agent_group_id, name) VALUES ($1, $2, 'Test Agent')`,
		h.AgentID, h.AgentGroupID)

	return h
}

func insertEvent(t *testing.T, store *PostgresStore, h hierarchy, credits int64, status Status, age time.Duration) {
	t.Helper()

	e := &Event{
		ID:             idgen.New(),
		UserID:         h.UserID,
		GroupID:        h.BillingGroup,
		AgentID:        h.AgentID,
		Provider:       "mock",
		Model:          "mock-model",
		InputTokens:    100,
		OutputTokens:   200,
		TotalTokens:    300,
		CostUSD:        decimal.RequireFromString("0.0005"),
		CreditsCharged: credits,
		LatencyMS:      10,
		Status:         status,
		CreatedAt:      time.Now().UTC().Add(-age),
	}
	if err := store.Insert(context.Background(), e); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
}

func TestPostgres_InsertAndHistory(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	h := seedHierarchy(t, db)

	insertEvent(t, store, h, 5, StatusSuccess, 0)
	insertEvent(t, store, h, 0, StatusError, 0)

	events, err := store.History(context.Background(), h.BillingGroup, nil, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	for _, e := range events {
		if e.TotalTokens != 300 {
			t.Errorf("Expected total tokens 300, got %d", e.TotalTokens)
		}
		if !e.CostUSD.Equal(decimal.RequireFromString("0.0005")) {
			t.Errorf("Cost did not round-trip: %s", e.CostUSD)
		}
	}
}

func TestPostgres_SubtreeSums(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	h := seedHierarchy(t, db)
	other := seedHierarchy(t, db)

	insertEvent(t, store, h, 30, StatusSuccess, 0)
	insertEvent(t, store, h, 0, StatusError, 0)      // failures never count
	insertEvent(t, store, other, 99, StatusSuccess, 0) // other org

	cases := []struct {
		name   string
		filter SubtreeFilter
		want   int64
	}{
		{"agent", SubtreeFilter{AgentID: h.AgentID}, 30},
		{"agent group", SubtreeFilter{AgentGroupID: h.AgentGroupID}, 30},
		{"workspace", SubtreeFilter{WorkspaceID: h.WorkspaceID}, 30},
		{"org", SubtreeFilter{OrgID: h.OrgID}, 30},
		{"other org", SubtreeFilter{OrgID: other.OrgID}, 99},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			total, err := store.SumSuccessSubtree(ctx, tc.filter, time.Time{})
			if err != nil {
				t.Fatalf("SumSuccessSubtree failed: %v", err)
			}
			if total != tc.want {
				t.Errorf("Expected %d credits, got %d", tc.want, total)
			}
		})
	}
}

func TestPostgres_SubtreeSumSince(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	h := seedHierarchy(t, db)

	insertEvent(t, store, h, 40, StatusSuccess, 48*time.Hour)
	insertEvent(t, store, h, 15, StatusSuccess, time.Hour)

	since := time.Now().UTC().Add(-24 * time.Hour)
	total, err := store.SumSuccessSubtree(context.Background(), SubtreeFilter{AgentID: h.AgentID}, since)
	if err != nil {
		t.Fatalf("SumSuccessSubtree failed: %v", err)
	}
	if total != 15 {
		t.Errorf("Expected 15 credits inside window, got %d", total)
	}
}

func TestPostgres_BurnRateAndTopAgents(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	h := seedHierarchy(t, db)

	insertEvent(t, store, h, 10, StatusSuccess, time.Hour)
	insertEvent(t, store, h, 20, StatusSuccess, 3*24*time.Hour)

	last24h, err := store.SumCredits(ctx, h.BillingGroup, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("SumCredits failed: %v", err)
	}
	if last24h != 10 {
		t.Errorf("Expected 10 credits in 24h, got %d", last24h)
	}

	totals, err := store.TopAgents(ctx, h.BillingGroup, time.Now().UTC().Add(-7*24*time.Hour), 5)
	if err != nil {
		t.Fatalf("TopAgents failed: %v", err)
	}
	if len(totals) != 1 || totals[0].AgentID != h.AgentID || totals[0].Credits != 30 {
		t.Errorf("Unexpected top agents: %+v", totals)
	}
}
