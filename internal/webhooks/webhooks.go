// Package webhooks delivers platform events to org-registered endpoints.
//
// Organizations subscribe a URL to event types; deliveries are signed with
// a per-subscription HMAC secret and retried with backoff. Endpoints that
// keep failing are disabled so a dead URL cannot absorb delivery workers
// forever.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/spendgate/internal/retry"
	"github.com/mbd888/spendgate/internal/security"
)

var ErrSubscriptionNotFound = errors.New("webhooks: subscription not found")

// EventType classifies a webhook event.
type EventType string

const (
	EventUsageRecorded    EventType = "usage.recorded"
	EventBudgetExceeded   EventType = "budget.exceeded"
	EventAgentDisabled    EventType = "agent.disabled"
	EventCreditsPurchased EventType = "credits.purchased"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventUsageRecorded, EventBudgetExceeded, EventAgentDisabled, EventCreditsPurchased:
		return true
	}
	return false
}

// Event is one delivery payload. Events are scoped to an organization;
// only that org's subscriptions ever see them.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	OrgID     string         `json:"orgId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is one registered endpoint. The secret signs every
// delivery and is returned exactly once, at creation.
type Subscription struct {
	ID                  string      `json:"id"`
	OrgID               string      `json:"orgId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	IsActive            bool        `json:"isActive"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

// Subscribed reports whether the subscription wants this event type.
func (s *Subscription) Subscribed(t EventType) bool {
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOrg(ctx context.Context, orgID string) ([]*Subscription, error)

	// ListForEvent returns the org's active subscriptions that include
	// the event type.
	ListForEvent(ctx context.Context, orgID string, t EventType) ([]*Subscription, error)

	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig bounds delivery attempts per event and failing deliveries
// per subscription.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// MaxFailures is the consecutive-failure count at which a
	// subscription is disabled.
	MaxFailures int
}

// DefaultRetryConfig retries twice with one-second backoff and disables
// an endpoint after 20 straight failed events.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxFailures: 20}
}

// Dispatcher signs and delivers events for one process.
type Dispatcher struct {
	store  Store
	client *http.Client
	cfg    RetryConfig
	logger *slog.Logger

	// urlValidator rejects delivery targets before any request is made.
	// Tests point it at a noop to reach loopback servers.
	urlValidator func(string) error
}

// NewDispatcher creates a dispatcher with default retry behavior.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return NewDispatcherWithRetry(store, logger, DefaultRetryConfig())
}

// NewDispatcherWithRetry creates a dispatcher with explicit retry bounds.
func NewDispatcherWithRetry(store Store, logger *slog.Logger, cfg RetryConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		cfg:          cfg,
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
	}
}

// Dispatch delivers the event to every matching subscription of its org
// and waits for the deliveries to finish. Per-subscription outcomes are
// recorded on the subscription rows; only a store failure is returned.
// Callers on a request path run this from a goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.ListForEvent(ctx, event.OrgID, event.Type)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			d.deliver(ctx, sub, event)
		}(sub)
	}
	wg.Wait()
	return nil
}

// deliver posts the event with retries and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to encode event")
		return
	}
	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("blocked URL: %v", err))
		return
	}

	start := time.Now()
	err = retry.Do(ctx, d.cfg.MaxAttempts, d.cfg.BaseDelay, func() error {
		return d.post(ctx, sub, event, payload)
	})
	webhookDeliveryDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		webhookDeliveries.WithLabelValues(string(event.Type), "error").Inc()
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	webhookDeliveries.WithLabelValues(string(event.Type), "success").Inc()
	d.recordSuccess(ctx, sub)
}

// post sends one delivery attempt. Responses in the 4xx range are
// permanent: the endpoint saw the request and refused it.
func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Spendgate-Event", string(event.Type))
	req.Header.Set("X-Spendgate-Delivery", event.ID)
	req.Header.Set("X-Spendgate-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Spendgate-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("endpoint refused delivery: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 signature receivers verify.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook success", "subscription_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, msg string) {
	sub.LastError = msg
	sub.ConsecutiveFailures++
	if d.cfg.MaxFailures > 0 && sub.ConsecutiveFailures >= d.cfg.MaxFailures {
		sub.IsActive = false
		webhookDisabledTotal.Inc()
		d.logger.Warn("webhook disabled after repeated failures",
			"subscription_id", sub.ID,
			"org_id", sub.OrgID,
			"failures", sub.ConsecutiveFailures,
			"last_error", msg)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook failure", "subscription_id", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory subscription store for dev mode and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates an in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) ListByOrg(_ context.Context, orgID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.OrgID == orgID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListForEvent(_ context.Context, orgID string, t EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.OrgID == orgID && sub.IsActive && sub.Subscribed(t) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	cp.UpdatedAt = time.Now().UTC()
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
