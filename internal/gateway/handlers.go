package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the metered completion endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a gateway handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the gateway under its own group, normally
// /gateway/v1. Authentication happens inside the pipeline, not in
// middleware: the API key is the identity being metered.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chat/completions", h.ChatCompletions)
	r.GET("/models", h.ListModels)
	r.GET("/me/balance", h.Balance)
	r.GET("/me/usage", h.UsageSummary)
	r.GET("/me/policy", h.EffectivePolicy)
}

// ChatCompletions handles POST /gateway/v1/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: model and messages are required",
		})
		return
	}

	resp, err := h.service.ChatCompletion(c.Request.Context(), c.GetHeader("Authorization"), &req)
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ListModels handles GET /gateway/v1/models.
func (h *Handler) ListModels(c *gin.Context) {
	rules, err := h.service.ListModels(c.Request.Context(), c.GetHeader("Authorization"))
	observeSelfService("models", err)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": rules})
}

// Balance handles GET /gateway/v1/me/balance.
func (h *Handler) Balance(c *gin.Context) {
	info, err := h.service.Balance(c.Request.Context(), c.GetHeader("Authorization"))
	observeSelfService("balance", err)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// UsageSummary handles GET /gateway/v1/me/usage.
func (h *Handler) UsageSummary(c *gin.Context) {
	summary, err := h.service.UsageSummary(c.Request.Context(), c.GetHeader("Authorization"))
	observeSelfService("usage", err)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// EffectivePolicy handles GET /gateway/v1/me/policy.
func (h *Handler) EffectivePolicy(c *gin.Context) {
	policy, err := h.service.EffectivePolicy(c.Request.Context(), c.GetHeader("Authorization"))
	observeSelfService("policy", err)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

// abortWithError writes the classified error payload.
func abortWithError(c *gin.Context, err error) {
	status, code := classifyError(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// classifyError maps pipeline errors onto the gateway's error taxonomy.
func classifyError(err error) (int, string) {
	var (
		inactive    *InactiveError
		policyErr   *PolicyViolationError
		budgetErr   *BudgetExceededError
		provErr     *ProviderError
		unavailable *ProviderUnavailableError
	)
	switch {
	case errors.Is(err, ErrMissingAuthorization),
		errors.Is(err, ErrKeyFormat),
		errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "auth_failed"
	case errors.As(err, &inactive):
		return http.StatusForbidden, "agent_or_parent_inactive"
	case errors.As(err, &policyErr):
		return http.StatusForbidden, "policy_violation"
	case errors.Is(err, ErrNoPricing):
		return http.StatusNotFound, "pricing_not_found"
	case errors.As(err, &budgetErr):
		return http.StatusPaymentRequired, "budget_exceeded"
	case errors.Is(err, ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, ErrStreamingUnsupported):
		return http.StatusBadRequest, "streaming_unsupported"
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable, "provider_not_configured"
	case errors.As(err, &provErr):
		return http.StatusBadGateway, "provider_error"
	case errors.Is(err, ErrSelfServiceDisabled):
		return http.StatusServiceUnavailable, "self_service_disabled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func observeSelfService(endpoint string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	gwSelfServiceRequests.WithLabelValues(endpoint, outcome).Inc()
}
