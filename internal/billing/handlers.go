package billing

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for billing operations.
type Handler struct {
	svc *Service
}

// NewHandler creates a new billing handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up the admin-facing top-up endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orgs/:id/billing/topup", h.CreateTopUp)
}

// RegisterWebhookRoutes sets up the Stripe callback. Mounted outside admin
// auth; the signature check is the authentication.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/billing/stripe/webhook", h.StripeWebhook)
}

type topUpRequest struct {
	AmountUSD int64 `json:"amount_usd" binding:"required,min=1"`
}

// CreateTopUp handles POST /v1/orgs/:id/billing/topup
func (h *Handler) CreateTopUp(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount_usd must be a whole dollar amount of at least 1",
		})
		return
	}

	topup, err := h.svc.CreateTopUp(c.Request.Context(), c.Param("id"), req.AmountUSD)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "billing_disabled",
				"message": "Stripe is not configured on this deployment",
			})
		case errors.Is(err, ErrOrgNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Organization not found",
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "stripe_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"topup": topup})
}

// maxWebhookBody caps Stripe event payloads.
const maxWebhookBody = 1 << 20

// StripeWebhook handles POST /v1/billing/stripe/webhook
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	result, err := h.svc.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, ErrBadSignature):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_signature",
				"message": "Stripe signature verification failed",
			})
		case errors.Is(err, ErrNotConfigured):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "billing_disabled",
				"message": "Stripe is not configured on this deployment",
			})
		default:
			// 500 tells Stripe to redeliver.
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}
