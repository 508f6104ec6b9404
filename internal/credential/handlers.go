package credential

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/validation"
)

// knownProviders mirrors the gateway's provider registry.
var knownProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

// Handler provides HTTP endpoints for credential management.
type Handler struct {
	service *Service
}

// NewHandler creates a new credential handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up credential routes under the authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orgs/:id/credentials", h.Add)
	r.GET("/orgs/:id/credentials", h.List)
	r.DELETE("/credentials/:id", h.Deactivate)
}

// Add handles POST /v1/orgs/:id/credentials
// The plaintext key appears in the request only; responses never echo it.
func (h *Handler) Add(c *gin.Context) {
	var req struct {
		Provider string `json:"provider" binding:"required"`
		APIKey   string `json:"apiKey" binding:"required"`
		Mode     string `json:"mode"`
		Label    string `json:"label"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "provider and apiKey are required"})
		return
	}
	if !knownProviders[req.Provider] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_provider", "message": "provider must be openai, anthropic or mock"})
		return
	}

	cred, err := h.service.Add(c.Request.Context(), c.Param("id"), req.Provider,
		Mode(req.Mode), validation.SanitizeString(req.Label, 200), req.APIKey)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidMode):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode", "message": err.Error()})
		case errors.Is(err, ErrOrgNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "organization not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to store credential"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"credential": cred})
}

// List handles GET /v1/orgs/:id/credentials
func (h *Handler) List(c *gin.Context) {
	creds, err := h.service.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if creds == nil {
		creds = []*Credential{}
	}
	c.JSON(http.StatusOK, gin.H{"credentials": creds, "count": len(creds)})
}

// Deactivate handles DELETE /v1/credentials/:id
func (h *Handler) Deactivate(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Deactivate(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "credential not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to deactivate credential"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "credential deactivated", "id": id})
}
