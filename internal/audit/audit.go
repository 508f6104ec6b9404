// Package audit is the append-only activity trail for organizations.
//
// Every security-relevant action (gateway settlements and failures, key
// issue/revoke, budget trips, purchases) lands here as one immutable row
// scoped to an organization. Entries are never updated or deleted.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/pagination"
)

// Errors
var (
	ErrOrgRequired       = errors.New("audit: org id required")
	ErrEventTypeRequired = errors.New("audit: event type required")
)

// Event types recorded by the platform.
const (
	EventGatewayRequest      = "gateway.request"
	EventGatewayRequestError = "gateway.request_error"
	EventAPIKeyCreated       = "api_key.created"
	EventAPIKeyRevoked       = "api_key.revoked"
	EventBudgetExceeded      = "budget.exceeded"
	EventOrgCreated          = "org.created"
	EventCredentialCreated   = "credential.created"
	EventCreditsPurchased    = "credits.purchased"
)

// Entry is one immutable audit row. The actor is a user for control-plane
// actions and an agent for gateway traffic; either may be empty.
type Entry struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"orgId"`
	ActorUserID  string         `json:"actorUserId,omitempty"`
	ActorAgentID string         `json:"actorAgentId,omitempty"`
	EventType    string         `json:"eventType"`
	ResourceType string         `json:"resourceType,omitempty"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Description  string         `json:"description,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Filter narrows audit queries.
type Filter struct {
	OrgID     string
	EventType string
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error

	// List returns entries newest-first, from the cursor position.
	// Callers pass limit+1 to detect further pages.
	List(ctx context.Context, f Filter, cursor *pagination.Cursor, limit int) ([]*Entry, error)
}

// Recorder validates and appends audit entries.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates an audit recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record appends an entry, filling in ID and CreatedAt.
func (r *Recorder) Record(ctx context.Context, e *Entry) error {
	if e.OrgID == "" {
		return ErrOrgRequired
	}
	if e.EventType == "" {
		return ErrEventTypeRequired
	}
	e.ID = idgen.New()
	e.CreatedAt = time.Now().UTC()

	if err := r.store.Append(ctx, e); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	r.logger.Debug("audit entry recorded",
		"org_id", e.OrgID,
		"event_type", e.EventType,
		"entry_id", e.ID)
	return nil
}

// LogEvent records an agent-actor event in one call. This is the form the
// budget checker and gateway use.
func (r *Recorder) LogEvent(ctx context.Context, orgID, actorAgentID, eventType, description string, metadata map[string]any) error {
	return r.Record(ctx, &Entry{
		OrgID:        orgID,
		ActorAgentID: actorAgentID,
		EventType:    eventType,
		Description:  description,
		Metadata:     metadata,
	})
}

// LogUserEvent records a user-actor event in one call. Control-plane
// handlers use this form.
func (r *Recorder) LogUserEvent(ctx context.Context, orgID, actorUserID, eventType, description string, metadata map[string]any) error {
	return r.Record(ctx, &Entry{
		OrgID:       orgID,
		ActorUserID: actorUserID,
		EventType:   eventType,
		Description: description,
		Metadata:    metadata,
	})
}

// List returns a page of entries plus the next cursor.
func (r *Recorder) List(ctx context.Context, f Filter, cursor *pagination.Cursor, limit int) ([]*Entry, string, bool, error) {
	entries, err := r.store.List(ctx, f, cursor, limit+1)
	if err != nil {
		return nil, "", false, fmt.Errorf("failed to list audit entries: %w", err)
	}
	page, next, more := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, more, nil
}
