package org

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/validation"
)

// Handler provides HTTP endpoints for the hierarchy.
type Handler struct {
	service *Service
}

// NewHandler creates a new hierarchy handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up hierarchy routes under the authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orgs", h.CreateOrg)
	r.GET("/orgs", h.ListOrgs)
	r.GET("/orgs/:id", h.GetOrg)
	r.PATCH("/orgs/:id", h.UpdateOrg)
	r.POST("/orgs/:id/workspaces", h.CreateWorkspace)
	r.GET("/orgs/:id/workspaces", h.ListWorkspaces)
	r.GET("/workspaces/:id", h.GetWorkspace)
	r.PATCH("/workspaces/:id", h.UpdateWorkspace)
	r.POST("/workspaces/:id/agent-groups", h.CreateAgentGroup)
	r.GET("/workspaces/:id/agent-groups", h.ListAgentGroups)
	r.GET("/agent-groups/:id", h.GetAgentGroup)
	r.PATCH("/agent-groups/:id", h.UpdateAgentGroup)
	r.POST("/agent-groups/:id/agents", h.CreateAgent)
	r.GET("/agent-groups/:id/agents", h.ListAgents)
	r.GET("/agents/:id", h.GetAgent)
	r.PATCH("/agents/:id", h.UpdateAgent)
}

// CreateOrg handles POST /v1/orgs
func (h *Handler) CreateOrg(c *gin.Context) {
	var req struct {
		Name          string `json:"name" binding:"required"`
		OwnerEmail    string `json:"ownerEmail" binding:"required,email"`
		OwnerName     string `json:"ownerName"`
		Description   string `json:"description"`
		CreditsPerUSD int64  `json:"creditsPerUsd"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name and a valid ownerEmail are required"})
		return
	}
	if req.CreditsPerUSD < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "creditsPerUsd must be positive"})
		return
	}

	org, err := h.service.CreateOrganization(c.Request.Context(), CreateOrganizationParams{
		OwnerEmail:    validation.SanitizeString(req.OwnerEmail, 255),
		OwnerName:     validation.SanitizeString(req.OwnerName, 200),
		Name:          validation.SanitizeString(req.Name, 200),
		Description:   validation.SanitizeString(req.Description, 1000),
		CreditsPerUSD: req.CreditsPerUSD,
	})
	if err != nil {
		if errors.Is(err, ErrSlugTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "slug_taken", "message": "could not derive a unique slug for this name"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create organization"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"organization": org})
}

// ListOrgs handles GET /v1/orgs
func (h *Handler) ListOrgs(c *gin.Context) {
	orgs, err := h.service.ListOrganizations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if orgs == nil {
		orgs = []*Organization{}
	}
	c.JSON(http.StatusOK, gin.H{"organizations": orgs, "count": len(orgs)})
}

// GetOrg handles GET /v1/orgs/:id
func (h *Handler) GetOrg(c *gin.Context) {
	org, err := h.service.GetOrganization(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization": org})
}

// UpdateOrg handles PATCH /v1/orgs/:id
func (h *Handler) UpdateOrg(c *gin.Context) {
	var req struct {
		Name          *string `json:"name"`
		Description   *string `json:"description"`
		CreditsPerUSD *int64  `json:"creditsPerUsd"`
		IsActive      *bool   `json:"isActive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}
	if req.CreditsPerUSD != nil && *req.CreditsPerUSD <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "creditsPerUsd must be positive"})
		return
	}

	u := OrgUpdate{CreditsPerUSD: req.CreditsPerUSD, IsActive: req.IsActive}
	if req.Name != nil {
		name := validation.SanitizeString(*req.Name, 200)
		u.Name = &name
	}
	if req.Description != nil {
		desc := validation.SanitizeString(*req.Description, 1000)
		u.Description = &desc
	}

	org, err := h.service.UpdateOrganization(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"organization": org})
}

// CreateWorkspace handles POST /v1/orgs/:id/workspaces
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name is required"})
		return
	}

	w, err := h.service.CreateWorkspace(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Name, 200),
		validation.SanitizeString(req.Description, 1000))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"workspace": w})
}

// ListWorkspaces handles GET /v1/orgs/:id/workspaces
func (h *Handler) ListWorkspaces(c *gin.Context) {
	ws, err := h.service.ListWorkspaces(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if ws == nil {
		ws = []*Workspace{}
	}
	c.JSON(http.StatusOK, gin.H{"workspaces": ws, "count": len(ws)})
}

// GetWorkspace handles GET /v1/workspaces/:id
func (h *Handler) GetWorkspace(c *gin.Context) {
	w, err := h.service.GetWorkspace(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace": w})
}

// UpdateWorkspace handles PATCH /v1/workspaces/:id
func (h *Handler) UpdateWorkspace(c *gin.Context) {
	u, ok := bindLevelUpdate(c)
	if !ok {
		return
	}
	w, err := h.service.UpdateWorkspace(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workspace": w})
}

// CreateAgentGroup handles POST /v1/workspaces/:id/agent-groups
func (h *Handler) CreateAgentGroup(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name is required"})
		return
	}

	g, err := h.service.CreateAgentGroup(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Name, 200),
		validation.SanitizeString(req.Description, 1000))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agentGroup": g})
}

// ListAgentGroups handles GET /v1/workspaces/:id/agent-groups
func (h *Handler) ListAgentGroups(c *gin.Context) {
	gs, err := h.service.ListAgentGroups(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if gs == nil {
		gs = []*AgentGroup{}
	}
	c.JSON(http.StatusOK, gin.H{"agentGroups": gs, "count": len(gs)})
}

// GetAgentGroup handles GET /v1/agent-groups/:id
func (h *Handler) GetAgentGroup(c *gin.Context) {
	g, err := h.service.GetAgentGroup(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentGroup": g})
}

// UpdateAgentGroup handles PATCH /v1/agent-groups/:id
func (h *Handler) UpdateAgentGroup(c *gin.Context) {
	u, ok := bindLevelUpdate(c)
	if !ok {
		return
	}
	g, err := h.service.UpdateAgentGroup(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentGroup": g})
}

// CreateAgent handles POST /v1/agent-groups/:id/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name is required"})
		return
	}

	a, err := h.service.CreateAgent(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.Name, 200),
		validation.SanitizeString(req.Description, 1000))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": a})
}

// ListAgents handles GET /v1/agent-groups/:id/agents
func (h *Handler) ListAgents(c *gin.Context) {
	as, err := h.service.ListAgents(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if as == nil {
		as = []*Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": as, "count": len(as)})
}

// GetAgent handles GET /v1/agents/:id
func (h *Handler) GetAgent(c *gin.Context) {
	a, err := h.service.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

// UpdateAgent handles PATCH /v1/agents/:id
func (h *Handler) UpdateAgent(c *gin.Context) {
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Status      *string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return
	}

	u := AgentUpdate{}
	if req.Name != nil {
		name := validation.SanitizeString(*req.Name, 200)
		u.Name = &name
	}
	if req.Description != nil {
		desc := validation.SanitizeString(*req.Description, 1000)
		u.Description = &desc
	}
	if req.Status != nil {
		st := AgentStatus(*req.Status)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "status must be ACTIVE, DISABLED or BUDGET_EXHAUSTED"})
			return
		}
		u.Status = &st
	}

	a, err := h.service.UpdateAgent(c.Request.Context(), c.Param("id"), u)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": a})
}

func bindLevelUpdate(c *gin.Context) (LevelUpdate, bool) {
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		IsActive    *bool   `json:"isActive"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid body"})
		return LevelUpdate{}, false
	}
	u := LevelUpdate{IsActive: req.IsActive}
	if req.Name != nil {
		name := validation.SanitizeString(*req.Name, 200)
		u.Name = &name
	}
	if req.Description != nil {
		desc := validation.SanitizeString(*req.Description, 1000)
		u.Description = &desc
	}
	return u, true
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrgNotFound),
		errors.Is(err, ErrWorkspaceNotFound),
		errors.Is(err, ErrAgentGroupNotFound),
		errors.Is(err, ErrAgentNotFound),
		errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrSlugTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "slug_taken", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "hierarchy operation failed"})
	}
}
