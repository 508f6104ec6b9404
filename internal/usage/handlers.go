package usage

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/pagination"
)

// Handler provides HTTP endpoints for usage reporting.
type Handler struct {
	service *Service
}

// NewHandler creates a new usage handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up usage routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/groups/:id/usage", h.GetHistory)
	r.GET("/groups/:id/usage/burn-rate", h.GetBurnRate)
	r.GET("/groups/:id/usage/top-agents", h.GetTopAgents)
}

// GetHistory handles GET /groups/:id/usage
func (h *Handler) GetHistory(c *gin.Context) {
	groupID := c.Param("id")

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	events, next, more, err := h.service.History(c.Request.Context(), groupID, cursor, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "usage_error",
			"message": "Failed to retrieve usage history",
		})
		return
	}
	if events == nil {
		events = []*Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"events":     events,
		"nextCursor": next,
		"hasMore":    more,
	})
}

// GetBurnRate handles GET /groups/:id/usage/burn-rate
func (h *Handler) GetBurnRate(c *gin.Context) {
	rate, err := h.service.BurnRate(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "usage_error",
			"message": "Failed to compute burn rate",
		})
		return
	}

	c.JSON(http.StatusOK, rate)
}

// GetTopAgents handles GET /groups/:id/usage/top-agents
func (h *Handler) GetTopAgents(c *gin.Context) {
	limit := 10
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	totals, err := h.service.TopAgents(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "usage_error",
			"message": "Failed to retrieve top agents",
		})
		return
	}
	if totals == nil {
		totals = []*AgentTotal{}
	}

	c.JSON(http.StatusOK, gin.H{
		"agents": totals,
	})
}
