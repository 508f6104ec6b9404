package policy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/gateway"
	"github.com/mbd888/spendgate/internal/idgen"
	"github.com/mbd888/spendgate/internal/validation"
)

// ChainResolver maps an agent to the hierarchy above it. Implemented by
// the org service.
type ChainResolver interface {
	ChainIDsForAgent(ctx context.Context, agentID string) (orgID, workspaceID, agentGroupID string, err error)
}

// Handler provides HTTP endpoints for policy CRUD and effective-policy
// inspection.
type Handler struct {
	store     Store
	evaluator *Evaluator
	chains    ChainResolver
}

// NewHandler creates a new policy handler.
func NewHandler(store Store, evaluator *Evaluator, chains ChainResolver) *Handler {
	return &Handler{store: store, evaluator: evaluator, chains: chains}
}

// RegisterRoutes sets up policy routes under the authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/policies", h.Create)
	r.GET("/policies", h.List)
	r.GET("/policies/effective", h.Effective)
	r.GET("/policies/:id", h.Get)
	r.PUT("/policies/:id", h.Update)
	r.DELETE("/policies/:id", h.Delete)
}

// Create handles POST /v1/policies
func (h *Handler) Create(c *gin.Context) {
	var req struct {
		Name            string   `json:"name" binding:"required"`
		OrgID           string   `json:"orgId"`
		WorkspaceID     string   `json:"workspaceId"`
		AgentGroupID    string   `json:"agentGroupId"`
		AgentID         string   `json:"agentId"`
		AllowedModels   []string `json:"allowedModels"`
		MaxInputTokens  *int64   `json:"maxInputTokens"`
		MaxOutputTokens *int64   `json:"maxOutputTokens"`
		RPMLimit        *int64   `json:"rpmLimit"`
		IsActive        *bool    `json:"isActive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name is required"})
		return
	}

	now := time.Now().UTC()
	p := &Policy{
		ID:              idgen.New(),
		Name:            validation.SanitizeString(req.Name, 200),
		OrgID:           req.OrgID,
		WorkspaceID:     req.WorkspaceID,
		AgentGroupID:    req.AgentGroupID,
		AgentID:         req.AgentID,
		AllowedModels:   req.AllowedModels,
		MaxInputTokens:  req.MaxInputTokens,
		MaxOutputTokens: req.MaxOutputTokens,
		RPMLimit:        req.RPMLimit,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}

	if p.TargetCount() != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_required", "message": "Exactly one of orgId, workspaceId, agentGroupId, agentId is required"})
		return
	}
	if msg := validateLimits(p); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": msg})
		return
	}

	if err := h.store.Create(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create policy"})
		return
	}
	h.invalidate()

	c.JSON(http.StatusCreated, gin.H{"policy": p})
}

// List handles GET /v1/policies
func (h *Handler) List(c *gin.Context) {
	f := Filter{
		OrgID:        c.Query("org_id"),
		WorkspaceID:  c.Query("workspace_id"),
		AgentGroupID: c.Query("agent_group_id"),
		AgentID:      c.Query("agent_id"),
	}

	policies, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if policies == nil {
		policies = []*Policy{}
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

// Get handles GET /v1/policies/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// Update handles PUT /v1/policies/:id
func (h *Handler) Update(c *gin.Context) {
	existing, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	var req struct {
		Name            *string  `json:"name"`
		AllowedModels   []string `json:"allowedModels"`
		MaxInputTokens  *int64   `json:"maxInputTokens"`
		MaxOutputTokens *int64   `json:"maxOutputTokens"`
		RPMLimit        *int64   `json:"rpmLimit"`
		IsActive        *bool    `json:"isActive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	if req.Name != nil {
		existing.Name = validation.SanitizeString(*req.Name, 200)
	}
	if req.AllowedModels != nil {
		existing.AllowedModels = req.AllowedModels
	}
	if req.MaxInputTokens != nil {
		existing.MaxInputTokens = req.MaxInputTokens
	}
	if req.MaxOutputTokens != nil {
		existing.MaxOutputTokens = req.MaxOutputTokens
	}
	if req.RPMLimit != nil {
		existing.RPMLimit = req.RPMLimit
	}
	if req.IsActive != nil {
		existing.IsActive = *req.IsActive
	}
	existing.UpdatedAt = time.Now().UTC()

	if msg := validateLimits(existing); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": msg})
		return
	}

	if err := h.store.Update(c.Request.Context(), existing); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update policy"})
		return
	}
	h.invalidate()

	c.JSON(http.StatusOK, gin.H{"policy": existing})
}

// Delete handles DELETE /v1/policies/:id
func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete policy"})
		return
	}
	h.invalidate()

	c.JSON(http.StatusOK, gin.H{"message": "policy deleted", "id": id})
}

// Effective handles GET /v1/policies/effective?agent_id=...
// It resolves the agent's chain and returns the merged policy the gateway
// would enforce right now.
func (h *Handler) Effective(c *gin.Context) {
	agentID := c.Query("agent_id")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "agent_id query parameter is required"})
		return
	}

	orgID, workspaceID, agentGroupID, err := h.chains.ChainIDsForAgent(c.Request.Context(), agentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "agent not found"})
		return
	}

	chain := gateway.Chain{
		OrgID:        orgID,
		WorkspaceID:  workspaceID,
		AgentGroupID: agentGroupID,
		AgentID:      agentID,
	}
	effective, err := h.evaluator.Effective(c.Request.Context(), chain)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"effectivePolicy": effective, "agentId": agentID})
}

// invalidate flushes the evaluator cache after any policy write.
func (h *Handler) invalidate() {
	if h.evaluator != nil {
		h.evaluator.InvalidateCache()
	}
}

func validateLimits(p *Policy) string {
	for _, l := range []struct {
		name string
		v    *int64
	}{
		{"maxInputTokens", p.MaxInputTokens},
		{"maxOutputTokens", p.MaxOutputTokens},
		{"rpmLimit", p.RPMLimit},
	} {
		if l.v != nil && *l.v <= 0 {
			return l.name + " must be positive"
		}
	}
	return ""
}
