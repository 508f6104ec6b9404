//go:build integration

package gateway

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/testutil"
)

// seedIdentity inserts the full hierarchy behind one agent and returns
// the identity the gateway would resolve for it.
func seedIdentity(t *testing.T, db *sql.DB) *Identity {
	t.Helper()

	userID := idgen.New()
	groupID := idgen.New()
	orgID := idgen.New()
	wsID := idgen.New()
	agID := idgen.New()
	agentID := idgen.New()

	if _, err := db.Exec(`INSERT INTO users (id, email) VALUES ($1, $2)`,
		userID, userID+"@test.local"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO groups (id, name, owner_id) VALUES ($1, 'billing', $2)`,
		groupID, userID); err != nil {
		t.Fatalf("seed group: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO organizations (id, name, slug, owner_id, billing_group_id)
		VALUES ($1, 'Test Org', $2, $3, $4)`,
		orgID, orgID[:8], userID, groupID); err != nil {
		t.Fatalf("seed org: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO workspaces (id, org_id, name, slug) VALUES ($1, $2, 'prod', 'prod')`,
		wsID, orgID); err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO agent_groups (id, workspace_id, name) VALUES ($1, $2, 'crawlers')`,
		agID, wsID); err != nil {
		t.Fatalf("seed agent group: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO agents (id, agent_group_id, name) VALUES ($1, $2, 'crawler-1')`,
		agentID, agID); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	return &Identity{
		AgentID:        agentID,
		AgentGroupID:   agID,
		WorkspaceID:    wsID,
		OrgID:          orgID,
		OwnerUserID:    userID,
		BillingGroupID: groupID,
		CreditsPerUSD:  100,
	}
}

func fundGroup(t *testing.T, db *sql.DB, groupID string, credits int64) {
	t.Helper()
	if _, err := db.Exec(`
		INSERT INTO ledger_entries (id, group_id, amount, type) VALUES ($1, $2, $3, 'CREDIT_PURCHASE')`,
		idgen.New(), groupID, credits); err != nil {
		t.Fatalf("fund group: %v", err)
	}
}

func settlementFor(id *Identity, requestID string, credits int64) *Settlement {
	return &Settlement{
		RequestID:    requestID,
		Identity:     id,
		Provider:     "mock",
		Model:        "mock-model",
		InputTokens:  100,
		OutputTokens: 200,
		CostUSD:      decimal.RequireFromString("0.0005"),
		Credits:      credits,
		LatencyMS:    42,
	}
}

func TestPostgres_SettleWritesAllThreeTables(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	id := seedIdentity(t, db)
	fundGroup(t, db, id.BillingGroupID, 100)

	res, err := store.Settle(ctx, settlementFor(id, "req-1", 7))
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if !res.Settled || res.Replayed {
		t.Errorf("Expected a fresh settlement, got %+v", res)
	}
	if res.Balance != 100 {
		t.Errorf("Expected pre-charge balance 100, got %d", res.Balance)
	}

	var balance int64
	if err := db.QueryRow(`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE group_id = $1`,
		id.BillingGroupID).Scan(&balance); err != nil {
		t.Fatalf("sum balance: %v", err)
	}
	if balance != 93 {
		t.Errorf("Expected balance 93, got %d", balance)
	}

	var amount int64
	var entryType string
	if err := db.QueryRow(`SELECT amount, type FROM ledger_entries WHERE idempotency_key = 'gateway:req-1'`).
		Scan(&amount, &entryType); err != nil {
		t.Fatalf("query entry: %v", err)
	}
	if amount != -7 || entryType != "USAGE_DEDUCTION" {
		t.Errorf("Expected -7 USAGE_DEDUCTION, got %d %s", amount, entryType)
	}

	var status string
	var credits, total int64
	if err := db.QueryRow(`
		SELECT status, credits_charged, total_tokens FROM usage_events WHERE group_id = $1`,
		id.BillingGroupID).Scan(&status, &credits, &total); err != nil {
		t.Fatalf("query usage: %v", err)
	}
	if status != "SUCCESS" || credits != 7 || total != 300 {
		t.Errorf("Unexpected usage row: status=%s credits=%d total=%d", status, credits, total)
	}

	var eventType string
	if err := db.QueryRow(`SELECT event_type FROM audit_logs WHERE org_id = $1`,
		id.OrgID).Scan(&eventType); err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if eventType != "gateway.request" {
		t.Errorf("Expected gateway.request audit event, got %s", eventType)
	}
}

func TestPostgres_SettleReplaysIdempotently(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	id := seedIdentity(t, db)
	fundGroup(t, db, id.BillingGroupID, 100)

	first, err := store.Settle(ctx, settlementFor(id, "req-1", 7))
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	second, err := store.Settle(ctx, settlementFor(id, "req-1", 7))
	if err != nil {
		t.Fatalf("Replayed settle failed: %v", err)
	}
	if !second.Replayed || second.EntryID != first.EntryID {
		t.Errorf("Expected replay of entry %s, got %+v", first.EntryID, second)
	}

	var entries, events int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = 'gateway:req-1'`).
		Scan(&entries); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM usage_events WHERE group_id = $1`,
		id.BillingGroupID).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if entries != 1 || events != 1 {
		t.Errorf("Expected 1 entry and 1 event after replay, got %d and %d", entries, events)
	}
}

func TestPostgres_SettleInsufficientCommitsUsageOnly(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	id := seedIdentity(t, db)
	fundGroup(t, db, id.BillingGroupID, 3)

	res, err := store.Settle(ctx, settlementFor(id, "req-1", 10))
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.Settled {
		t.Error("Expected the settlement to be refused")
	}
	if res.Balance != 3 {
		t.Errorf("Expected reported balance 3, got %d", res.Balance)
	}

	var deductions int
	if err := db.QueryRow(`
		SELECT COUNT(*) FROM ledger_entries WHERE group_id = $1 AND type = 'USAGE_DEDUCTION'`,
		id.BillingGroupID).Scan(&deductions); err != nil {
		t.Fatalf("count deductions: %v", err)
	}
	if deductions != 0 {
		t.Errorf("Expected no deduction, got %d", deductions)
	}

	var status string
	var credits int64
	var errMsg sql.NullString
	if err := db.QueryRow(`
		SELECT status, credits_charged, error_message FROM usage_events WHERE group_id = $1`,
		id.BillingGroupID).Scan(&status, &credits, &errMsg); err != nil {
		t.Fatalf("query usage: %v", err)
	}
	if status != "BUDGET_EXCEEDED" || credits != 0 {
		t.Errorf("Expected zero-credit BUDGET_EXCEEDED row, got %s/%d", status, credits)
	}
	if !errMsg.Valid || errMsg.String != "Insufficient credits after provider call" {
		t.Errorf("Unexpected error message %+v", errMsg)
	}
}

func TestPostgres_RecordFailure(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	id := seedIdentity(t, db)

	err := store.RecordFailure(ctx, &FailureRecord{
		RequestID:    "req-9",
		Identity:     id,
		Provider:     "openai",
		Model:        "gpt-4o",
		ErrorMessage: "upstream timeout",
		LatencyMS:    950,
	})
	if err != nil {
		t.Fatalf("RecordFailure failed: %v", err)
	}

	var status string
	var credits int64
	if err := db.QueryRow(`
		SELECT status, credits_charged FROM usage_events WHERE group_id = $1`,
		id.BillingGroupID).Scan(&status, &credits); err != nil {
		t.Fatalf("query usage: %v", err)
	}
	if status != "ERROR" || credits != 0 {
		t.Errorf("Expected zero-credit ERROR row, got %s/%d", status, credits)
	}

	var eventType string
	if err := db.QueryRow(`SELECT event_type FROM audit_logs WHERE org_id = $1`,
		id.OrgID).Scan(&eventType); err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if eventType != "gateway.request_error" {
		t.Errorf("Expected gateway.request_error audit event, got %s", eventType)
	}
}

func TestPostgres_AdmitReadsBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	id := seedIdentity(t, db)
	fundGroup(t, db, id.BillingGroupID, 250)

	balance, err := store.Admit(context.Background(), id.BillingGroupID)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if balance != 250 {
		t.Errorf("Expected balance 250, got %d", balance)
	}
}
