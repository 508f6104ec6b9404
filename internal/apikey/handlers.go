package apikey

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/validation"
)

// Handler provides HTTP endpoints for key management.
type Handler struct {
	service *Service
}

// NewHandler creates a new key handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up key routes under the authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents/:id/keys", h.Issue)
	r.GET("/agents/:id/keys", h.List)
	r.DELETE("/keys/:id", h.Revoke)
}

// Issue handles POST /v1/agents/:id/keys
// The response carries the plaintext key; it is never retrievable again.
func (h *Handler) Issue(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	// Body is optional; an unnamed key is fine.
	_ = c.ShouldBindJSON(&req)

	plaintext, key, err := h.service.Issue(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Name, 200))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "agent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to issue key"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"apiKey": plaintext, "key": key})
}

// List handles GET /v1/agents/:id/keys
func (h *Handler) List(c *gin.Context) {
	keys, err := h.service.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if keys == nil {
		keys = []*Key{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// Revoke handles DELETE /v1/keys/:id
func (h *Handler) Revoke(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	id := c.Param("id")
	if err := h.service.Revoke(c.Request.Context(), id,
		validation.SanitizeString(req.Reason, 500)); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to revoke key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "key revoked", "id": id})
}
