package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/security"
)

// Handler provides HTTP endpoints for subscription management.
type Handler struct {
	store Store

	// validateURL is swapped for a noop in tests.
	validateURL func(string) error
}

// NewHandler creates a webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, validateURL: security.ValidateEndpointURL}
}

// RegisterRoutes sets up subscription routes under the authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orgs/:id/webhooks", h.Create)
	r.GET("/orgs/:id/webhooks", h.List)
	r.DELETE("/webhooks/:id", h.Delete)
}

// Create handles POST /v1/orgs/:id/webhooks
// The signing secret appears in this response only.
func (h *Handler) Create(c *gin.Context) {
	var req struct {
		URL    string   `json:"url" binding:"required"`
		Events []string `json:"events" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "url and events are required"})
		return
	}

	events := make([]EventType, len(req.Events))
	for i, e := range req.Events {
		t := EventType(e)
		if !t.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event", "message": "unknown event type: " + e})
			return
		}
		events[i] = t
	}

	if err := h.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	now := time.Now().UTC()
	sub := &Subscription{
		ID:        idgen.New(),
		OrgID:     c.Param("id"),
		URL:       req.URL,
		Secret:    idgen.Token("whsec_"),
		Events:    events,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create subscription"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  sub.Secret,
		"signing": gin.H{
			"header":    "X-Spendgate-Signature",
			"algorithm": "HMAC-SHA256 over the raw request body, hex encoded",
		},
	})
}

// List handles GET /v1/orgs/:id/webhooks
func (h *Handler) List(c *gin.Context) {
	subs, err := h.store.ListByOrg(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list subscriptions"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// Delete handles DELETE /v1/webhooks/:id
func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "subscription not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "subscription deleted", "id": id})
}
