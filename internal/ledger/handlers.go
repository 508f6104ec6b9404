package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/spendgate/internal/pagination"
)

// Handler provides HTTP endpoints for ledger operations.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/groups/:id/balance", h.GetBalance)
	r.GET("/groups/:id/ledger", h.GetHistory)
	r.POST("/groups/:id/ledger", h.AppendEntry)
}

// GetBalance handles GET /groups/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	groupID := c.Param("id")

	balance, err := h.ledger.Balance(c.Request.Context(), groupID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"groupId": groupID,
		"balance": balance,
	})
}

// GetHistory handles GET /groups/:id/ledger
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

	entries, next, more, err := h.ledger.History(c.Request.Context(), groupID, cursor, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":    entries,
		"nextCursor": next,
		"hasMore":    more,
	})
}

// AppendRequest records a manual credit movement (admin use).
type AppendRequest struct {
	Amount         int64          `json:"amount" binding:"required"`
	Type           string         `json:"type" binding:"required"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Metadata       map[string]any `json:"metadata"`
}

// AppendEntry handles POST /groups/:id/ledger
func (h *Handler) AppendEntry(c *gin.Context) {
	groupID := c.Param("id")

	var req AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	typ := EntryType(req.Type)
	if typ == TypeUsageDeduction {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_type",
			"message": "Usage deductions are recorded by the gateway",
		})
		return
	}

	entry, err := h.ledger.Append(c.Request.Context(), groupID, req.Amount, typ, req.IdempotencyKey, req.Metadata)
	if err != nil {
		if errors.Is(err, ErrInvalidEntryType) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_type",
				"message": "Type must be CREDIT_PURCHASE, ADJUSTMENT or REFUND",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to append ledger entry",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"entry": entry,
	})
}
