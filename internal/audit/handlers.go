package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/pagination"
)

// Handler provides HTTP endpoints for querying the audit trail.
type Handler struct {
	recorder *Recorder
}

// NewHandler creates a new audit handler.
func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterRoutes sets up audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orgs/:id/audit", h.List)
}

// List handles GET /v1/orgs/:id/audit
func (h *Handler) List(c *gin.Context) {
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

	f := Filter{
		OrgID:     c.Param("id"),
		EventType: c.Query("event_type"),
	}
	entries, next, more, err := h.recorder.List(c.Request.Context(), f, cursor, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "audit_error",
			"message": "Failed to retrieve audit entries",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"nextCursor": next,
		"hasMore":    more,
	})
}
