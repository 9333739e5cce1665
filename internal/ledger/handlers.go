package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/genbot/starledger/internal/logging"
)

// Handler serves balance and transaction queries over HTTP.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a ledger handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up the read-side ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/balance", h.GetBalance)
	r.GET("/users/:userId/history", h.GetHistory)
	r.GET("/transactions/:invoiceId", h.GetTransaction)
}

// RegisterAdminRoutes sets up operator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reconcile", h.Reconcile)
}

// GetBalance handles GET /v1/users/:userId/balance.
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("userId")

	balance, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		logging.L(c.Request.Context()).Error("balance read failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_failed",
			"message": "Failed to read balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":  userID,
		"balance": balance,
	})
}

// GetHistory handles GET /v1/users/:userId/history?limit=N.
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.Param("userId")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	txs, err := h.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("history read failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_failed",
			"message": "Failed to read history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":       userID,
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetTransaction handles GET /v1/transactions/:invoiceId.
func (h *Handler) GetTransaction(c *gin.Context) {
	invoiceID := c.Param("invoiceId")

	tx, err := h.ledger.Get(c.Request.Context(), invoiceID)
	if err != nil {
		if errors.Is(err, ErrInvoiceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No transaction for invoice " + invoiceID,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to look up transaction",
		})
		return
	}

	c.JSON(http.StatusOK, tx)
}

// Reconcile handles POST /admin/reconcile: replays completed
// transactions and reports counters that disagree with the log.
func (h *Handler) Reconcile(c *gin.Context) {
	results, err := h.ledger.Reconcile(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": "Reconciliation could not run",
		})
		return
	}

	mismatches := 0
	for _, r := range results {
		if !r.Match {
			mismatches++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"checked":    len(results),
		"mismatches": mismatches,
		"results":    results,
	})
}
