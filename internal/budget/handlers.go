package budget

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/idgen"
)

// Handler provides HTTP endpoints for budget CRUD and window usage.
type Handler struct {
	store Store
	usage UsageSummer
}

// NewHandler creates a new budget handler.
func NewHandler(store Store, usage UsageSummer) *Handler {
	return &Handler{store: store, usage: usage}
}

// RegisterRoutes sets up budget routes under the authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/budgets", h.Create)
	r.GET("/budgets", h.List)
	r.GET("/budgets/:id", h.Get)
	r.PUT("/budgets/:id", h.Update)
	r.DELETE("/budgets/:id", h.Delete)
	r.GET("/budgets/:id/usage", h.Usage)
}

// Create handles POST /v1/budgets
func (h *Handler) Create(c *gin.Context) {
	var req struct {
		OrgID        string `json:"orgId"`
		WorkspaceID  string `json:"workspaceId"`
		AgentGroupID string `json:"agentGroupId"`
		AgentID      string `json:"agentId"`
		Period       string `json:"period" binding:"required"`
		LimitCredits int64  `json:"limitCredits" binding:"required"`
		AutoDisable  *bool  `json:"autoDisable"`
		IsActive     *bool  `json:"isActive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "period and limitCredits are required"})
		return
	}

	now := time.Now().UTC()
	b := &Budget{
		ID:           idgen.New(),
		OrgID:        req.OrgID,
		WorkspaceID:  req.WorkspaceID,
		AgentGroupID: req.AgentGroupID,
		AgentID:      req.AgentID,
		Period:       Period(req.Period),
		LimitCredits: req.LimitCredits,
		AutoDisable:  true,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.AutoDisable != nil {
		b.AutoDisable = *req.AutoDisable
	}
	if req.IsActive != nil {
		b.IsActive = *req.IsActive
	}

	if b.TargetCount() != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_required", "message": "Exactly one of orgId, workspaceId, agentGroupId, agentId is required"})
		return
	}
	if !b.Period.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_period", "message": "period must be DAILY, MONTHLY, or TOTAL"})
		return
	}
	if b.LimitCredits <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limitCredits must be positive"})
		return
	}

	if err := h.store.Create(c.Request.Context(), b); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create budget"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"budget": b})
}

// List handles GET /v1/budgets
func (h *Handler) List(c *gin.Context) {
	f := Filter{
		OrgID:        c.Query("org_id"),
		WorkspaceID:  c.Query("workspace_id"),
		AgentGroupID: c.Query("agent_group_id"),
		AgentID:      c.Query("agent_id"),
	}

	budgets, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if budgets == nil {
		budgets = []*Budget{}
	}
	c.JSON(http.StatusOK, gin.H{"budgets": budgets, "count": len(budgets)})
}

// Get handles GET /v1/budgets/:id
func (h *Handler) Get(c *gin.Context) {
	b, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBudgetNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "budget not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"budget": b})
}

// Update handles PUT /v1/budgets/:id
// The target is immutable; create a new budget to move levels.
func (h *Handler) Update(c *gin.Context) {
	existing, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBudgetNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "budget not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	var req struct {
		Period       *string `json:"period"`
		LimitCredits *int64  `json:"limitCredits"`
		AutoDisable  *bool   `json:"autoDisable"`
		IsActive     *bool   `json:"isActive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	if req.Period != nil {
		existing.Period = Period(*req.Period)
	}
	if req.LimitCredits != nil {
		existing.LimitCredits = *req.LimitCredits
	}
	if req.AutoDisable != nil {
		existing.AutoDisable = *req.AutoDisable
	}
	if req.IsActive != nil {
		existing.IsActive = *req.IsActive
	}
	existing.UpdatedAt = time.Now().UTC()

	if !existing.Period.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_period", "message": "period must be DAILY, MONTHLY, or TOTAL"})
		return
	}
	if existing.LimitCredits <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limitCredits must be positive"})
		return
	}

	if err := h.store.Update(c.Request.Context(), existing); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update budget"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"budget": existing})
}

// Delete handles DELETE /v1/budgets/:id
func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrBudgetNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "budget not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete budget"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "budget deleted", "id": id})
}

// Usage handles GET /v1/budgets/:id/usage
// It reports the credits consumed inside the budget's current window.
func (h *Handler) Usage(c *gin.Context) {
	b, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrBudgetNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "budget not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	since := PeriodStart(b.Period, time.Now())
	used, err := h.usage.SumSuccessCredits(c.Request.Context(), b.OrgID, b.WorkspaceID, b.AgentGroupID, b.AgentID, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to sum usage"})
		return
	}

	var windowStart *time.Time
	if !since.IsZero() {
		windowStart = &since
	}
	c.JSON(http.StatusOK, gin.H{
		"budgetId":         b.ID,
		"period":           b.Period,
		"windowStart":      windowStart,
		"limitCredits":     b.LimitCredits,
		"usedCredits":      used,
		"remainingCredits": b.LimitCredits - used,
	})
}
