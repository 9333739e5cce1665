// Package guard is the pre-flight gate for billable actions.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/genbot/starledger/internal/idgen"
	"github.com/genbot/starledger/internal/ledger"
	"github.com/genbot/starledger/internal/metrics"
	"github.com/genbot/starledger/internal/pricing"
)

// Guard combines "check" and "spend" into a single call so there is no
// check-then-spend race against concurrent debits for the same user.
type Guard struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

func New(l *ledger.Ledger, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{ledger: l, logger: logger}
}

// EnsureAndReserve debits the user's balance for a billable action.
// When the balance cannot cover the amount it returns
// *ledger.InsufficientBalanceError with the shortfall and mutates no
// balance. A successful reservation is a completed debit; callers whose
// downstream work fails afterwards must compensate via Refund.
func (g *Guard) EnsureAndReserve(ctx context.Context, userID string, required pricing.Stars, reason string) (*ledger.Transaction, error) {
	if required < 0 {
		return nil, ledger.ErrInvalidAmount
	}

	tx, err := g.ledger.Debit(ctx, userID, required, reason)
	if err != nil {
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			metrics.InsufficientBalanceTotal.Inc()
			g.logger.Info("billable action rejected",
				"user_id", userID,
				"required", insufficient.Required,
				"available", insufficient.Available,
				"reason", reason)
			return nil, err
		}
		return nil, fmt.Errorf("reserve %d stars for %s: %w", required, userID, err)
	}

	metrics.StarsDebitedTotal.Add(float64(tx.AmountStars))
	return tx, nil
}

// Refund issues a compensating credit for a previously reserved amount,
// under a fresh invoice id. The original debit stays in the log as-is.
func (g *Guard) Refund(ctx context.Context, userID string, amount pricing.Stars, reason string) (*ledger.Transaction, error) {
	if amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	invoiceID := idgen.WithPrefix("ref_")
	if _, err := g.ledger.Begin(ctx, invoiceID, userID, ledger.Credit, amount, ledger.Source{
		Provider:  "internal",
		Reference: reason,
	}); err != nil {
		return nil, fmt.Errorf("begin refund for %s: %w", userID, err)
	}

	tx, err := g.ledger.Complete(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("complete refund %s: %w", invoiceID, err)
	}

	g.logger.Info("refund credited",
		"user_id", userID, "invoice_id", invoiceID, "stars", amount, "reason", reason)
	return tx, nil
}
