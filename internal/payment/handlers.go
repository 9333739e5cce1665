package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/genbot/starledger/internal/idgen"
	"github.com/genbot/starledger/internal/ledger"
	"github.com/genbot/starledger/internal/logging"
	"github.com/genbot/starledger/internal/metrics"
	"github.com/genbot/starledger/internal/notify"
	"github.com/genbot/starledger/internal/pricing"
	"github.com/genbot/starledger/internal/signature"
	"github.com/genbot/starledger/internal/traces"
)

const providerName = "robokassa"

// defaultPaymentBaseURL is the provider's hosted payment page.
const defaultPaymentBaseURL = "https://auth.robokassa.ru/Merchant/Index.aspx"

// Handler processes provider callbacks and issues payment links.
type Handler struct {
	ledger         *ledger.Ledger
	verifier       *signature.Verifier
	outSigner      *signature.Verifier
	sender         notify.Sender
	merchantLogin  string
	starUnit       pricing.USD
	paymentBaseURL string
}

// NewHandler wires the webhook pipeline. verifier holds the callback
// secret, outSigner the payment-link secret (they differ on providers
// with two passwords).
func NewHandler(l *ledger.Ledger, verifier, outSigner *signature.Verifier, sender notify.Sender, merchantLogin string, starUnit pricing.USD) *Handler {
	return &Handler{
		ledger:         l,
		verifier:       verifier,
		outSigner:      outSigner,
		sender:         sender,
		merchantLogin:  merchantLogin,
		starUnit:       starUnit,
		paymentBaseURL: defaultPaymentBaseURL,
	}
}

// RegisterRoutes sets up the payment endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/result", h.HandleResult)
	r.POST("/payments/invoice", h.CreateInvoice)
}

// HandleResult handles POST /payments/result, the provider's payment
// notification. Each gate is hard: malformed payloads and bad
// signatures never reach the ledger, and re-delivery of a completed
// invoice acks without re-crediting.
func (h *Handler) HandleResult(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "payment.result")
	defer span.End()
	logger := logging.L(ctx)

	if err := c.Request.ParseForm(); err != nil {
		metrics.PaymentNotificationsTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_notification",
			"message": "Could not parse notification body",
		})
		return
	}

	n, err := ParseNotification(c.Request.PostForm)
	if err != nil {
		metrics.PaymentNotificationsTotal.WithLabelValues("malformed").Inc()
		logger.Warn("malformed payment notification", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_notification",
			"message": "Missing or invalid notification fields",
		})
		return
	}
	span.SetAttributes(traces.InvoiceID(n.InvID), traces.UserID(n.UserID), traces.Provider(providerName))

	if !h.verifier.Verify(n.OutSumRaw, n.InvID, n.Custom, n.Signature) {
		metrics.PaymentNotificationsTotal.WithLabelValues("bad_signature").Inc()
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
		return
	}

	if _, err := h.credit(ctx, n); err != nil {
		metrics.PaymentNotificationsTotal.WithLabelValues("error").Inc()
		logger.Error("payment processing failed",
			"invoice_id", n.InvID, "user_id", n.UserID, "error", err)
		// 500 makes the provider retry; re-delivery is safe because the
		// credit is idempotent per invoice id.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Payment could not be recorded",
		})
		return
	}

	c.String(http.StatusOK, "OK%s", n.InvID)
}

// credit records the payment. The invoice may already exist pending
// (created by CreateInvoice before the user was redirected) or not at
// all (provider-initiated flows); both paths converge on Complete.
func (h *Handler) credit(ctx context.Context, n *Notification) (*ledger.Transaction, error) {
	logger := logging.L(ctx)
	stars := pricing.StarsFromPayment(n.OutSum, h.starUnit)

	existing, err := h.ledger.Get(ctx, n.InvID)
	switch {
	case err == nil:
		if existing.Status == ledger.StatusCompleted {
			metrics.PaymentNotificationsTotal.WithLabelValues("duplicate").Inc()
			logger.Info("duplicate payment notification acked",
				"invoice_id", n.InvID, "user_id", n.UserID)
			return existing, nil
		}
		if existing.AmountStars != stars {
			// The signed notification is authoritative: credit what was
			// paid, not what was invoiced.
			logger.Warn("notification amount differs from pending invoice",
				"invoice_id", n.InvID, "pending_stars", existing.AmountStars, "paid_stars", stars)
			if _, err := h.ledger.AdjustPending(ctx, n.InvID, stars); err != nil {
				return nil, fmt.Errorf("adjust pending credit: %w", err)
			}
		}
	case errors.Is(err, ledger.ErrInvoiceNotFound):
		if _, err := h.ledger.Begin(ctx, n.InvID, n.UserID, ledger.Credit, stars, ledger.Source{
			Provider:  providerName,
			Reference: n.OutSumRaw,
		}); err != nil && !errors.Is(err, ledger.ErrDuplicateInvoice) {
			return nil, fmt.Errorf("begin credit: %w", err)
		}
	default:
		return nil, fmt.Errorf("look up invoice: %w", err)
	}

	tx, err := h.ledger.Complete(ctx, n.InvID)
	if err != nil {
		if _, failErr := h.ledger.Fail(ctx, n.InvID, err.Error()); failErr != nil {
			logger.Error("failed to mark payment as failed",
				"invoice_id", n.InvID, "error", failErr)
		}
		return nil, fmt.Errorf("complete credit: %w", err)
	}

	metrics.PaymentNotificationsTotal.WithLabelValues("credited").Inc()
	metrics.StarsCreditedTotal.Add(float64(tx.AmountStars))
	logger.Info("payment credited",
		"invoice_id", n.InvID, "user_id", n.UserID, "stars", tx.AmountStars)

	// Notification failure never rolls back the credit.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		h.sender.Notify(ctx, tx.UserID,
			fmt.Sprintf("Balance topped up: +%d stars", tx.AmountStars))
	}()

	return tx, nil
}

// CreateInvoiceRequest asks for a payment link for a user top-up.
type CreateInvoiceRequest struct {
	UserID string  `json:"userId" binding:"required"`
	Amount float64 `json:"amount" binding:"required"`
}

// CreateInvoice handles POST /payments/invoice. It records a pending
// credit and returns the signed provider payment link the bot redirects
// the user to.
func (h *Handler) CreateInvoice(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "payment.invoice")
	defer span.End()

	var req CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be positive",
		})
		return
	}

	invoiceID := idgen.WithPrefix("pay_")
	outSum := strconv.FormatFloat(req.Amount, 'f', 2, 64)
	stars := pricing.StarsFromPayment(pricing.USD(req.Amount), h.starUnit)
	span.SetAttributes(traces.InvoiceID(invoiceID), traces.UserID(req.UserID), traces.AmountStars(int64(stars)))

	if _, err := h.ledger.Begin(ctx, invoiceID, req.UserID, ledger.Credit, stars, ledger.Source{
		Provider:  providerName,
		Reference: outSum,
	}); err != nil {
		logging.L(ctx).Error("failed to create invoice",
			"user_id", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "invoice_failed",
			"message": "Failed to create invoice",
		})
		return
	}

	custom := map[string]string{userIDParam: req.UserID}
	sig := h.outSigner.SignOutgoing(h.merchantLogin, outSum, invoiceID, custom)

	params := url.Values{}
	params.Set("MerchantLogin", h.merchantLogin)
	params.Set("OutSum", outSum)
	params.Set("InvId", invoiceID)
	params.Set("SignatureValue", sig)
	params.Set(userIDParam, req.UserID)

	c.JSON(http.StatusCreated, gin.H{
		"invoiceId":  invoiceID,
		"outSum":     outSum,
		"stars":      stars,
		"paymentUrl": h.paymentBaseURL + "?" + params.Encode(),
	})
}
