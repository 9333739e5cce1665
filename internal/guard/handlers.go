package guard

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/genbot/starledger/internal/catalog"
	"github.com/genbot/starledger/internal/ledger"
	"github.com/genbot/starledger/internal/logging"
	"github.com/genbot/starledger/internal/pricing"
)

// Handler exposes charge and refund over HTTP for the bot process.
type Handler struct {
	guard    *Guard
	catalog  *catalog.Catalog
	markup   float64
	starUnit pricing.USD
}

// NewHandler creates a guard handler priced from the given catalog.
func NewHandler(g *Guard, c *catalog.Catalog, markup float64, starUnit pricing.USD) *Handler {
	return &Handler{guard: g, catalog: c, markup: markup, starUnit: starUnit}
}

// RegisterRoutes sets up the billing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:userId/charge", h.Charge)
	r.POST("/users/:userId/refund", h.Refund)
}

// ChargeRequest bills a user for one generation. The price comes from
// the catalog, never from the client.
type ChargeRequest struct {
	ServiceID string  `json:"serviceId" binding:"required"`
	Discount  float64 `json:"discount"` // percent, clamped to [0,100]
}

// Charge handles POST /v1/users/:userId/charge.
func (h *Handler) Charge(c *gin.Context) {
	userID := c.Param("userId")

	var req ChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	price, err := h.catalog.Quote(req.ServiceID, h.markup, h.starUnit)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownService) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_service",
				"message": "No such service: " + req.ServiceID,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "pricing_failed",
			"message": "Could not price service",
		})
		return
	}
	price = pricing.Discounted(price, req.Discount)

	tx, err := h.guard.EnsureAndReserve(c.Request.Context(), userID, price, req.ServiceID)
	if err != nil {
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":     "insufficient_balance",
				"message":   "Not enough stars for this service",
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
			return
		}
		logging.L(c.Request.Context()).Error("charge failed",
			"user_id", userID, "service_id", req.ServiceID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "charge_failed",
			"message": "Failed to charge user",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoiceId": tx.InvoiceID,
		"userId":    userID,
		"serviceId": req.ServiceID,
		"stars":     tx.AmountStars,
	})
}

// RefundRequest compensates a reservation whose downstream work failed.
type RefundRequest struct {
	Stars  pricing.Stars `json:"stars" binding:"required"`
	Reason string        `json:"reason"`
}

// Refund handles POST /v1/users/:userId/refund.
func (h *Handler) Refund(c *gin.Context) {
	userID := c.Param("userId")

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Stars <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "stars must be a positive integer",
		})
		return
	}

	tx, err := h.guard.Refund(c.Request.Context(), userID, req.Stars, req.Reason)
	if err != nil {
		logging.L(c.Request.Context()).Error("refund failed",
			"user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "refund_failed",
			"message": "Failed to refund user",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoiceId": tx.InvoiceID,
		"userId":    userID,
		"stars":     tx.AmountStars,
	})
}
