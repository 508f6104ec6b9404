package pricing

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler provides HTTP endpoints for pricing rules.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new pricing handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up public pricing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/pricing", h.List)
}

// RegisterAdminRoutes sets up admin-only pricing routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/pricing", h.Create)
	r.PUT("/pricing/:id", h.Update)
	r.DELETE("/pricing/:id", h.Delete)
}

// List handles GET /pricing
func (h *Handler) List(c *gin.Context) {
	rules, err := h.service.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pricing_error",
			"message": "Failed to list pricing rules",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// RuleRequest creates or updates a pricing rule.
type RuleRequest struct {
	Provider        string `json:"provider" binding:"required"`
	Model           string `json:"model" binding:"required"`
	InputCostPer1K  string `json:"inputCostPer1k" binding:"required"`
	OutputCostPer1K string `json:"outputCostPer1k" binding:"required"`
}

func (r *RuleRequest) parse() (decimal.Decimal, decimal.Decimal, error) {
	input, err := decimal.NewFromString(r.InputCostPer1K)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	output, err := decimal.NewFromString(r.OutputCostPer1K)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return input, output, nil
}

// Create handles POST /pricing
func (h *Handler) Create(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	input, output, err := req.parse()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cost",
			"message": "Costs must be decimal numbers",
		})
		return
	}

	rule := &Rule{
		Provider:        req.Provider,
		Model:           req.Model,
		InputCostPer1K:  input,
		OutputCostPer1K: output,
	}
	if err := h.service.Create(c.Request.Context(), rule); err != nil {
		switch {
		case errors.Is(err, ErrRuleExists):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "rule_exists",
				"message": "A rule for this provider/model already exists",
			})
		case errors.Is(err, ErrInvalidCost):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cost",
				"message": "Costs must not be negative",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "pricing_error",
				"message": "Failed to create pricing rule",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

// Update handles PUT /pricing/:id
func (h *Handler) Update(c *gin.Context) {
	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	input, output, err := req.parse()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cost",
			"message": "Costs must be decimal numbers",
		})
		return
	}

	rule := &Rule{
		ID:              c.Param("id"),
		Provider:        req.Provider,
		Model:           req.Model,
		InputCostPer1K:  input,
		OutputCostPer1K: output,
	}
	if err := h.service.Update(c.Request.Context(), rule); err != nil {
		switch {
		case errors.Is(err, ErrRuleNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "rule_not_found",
				"message": "Pricing rule not found",
			})
		case errors.Is(err, ErrInvalidCost):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cost",
				"message": "Costs must not be negative",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "pricing_error",
				"message": "Failed to update pricing rule",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// Delete handles DELETE /pricing/:id
func (h *Handler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "rule_not_found",
				"message": "Pricing rule not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pricing_error",
			"message": "Failed to delete pricing rule",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
