// Package ledger is the authoritative record of star balance movements.
//
// Every credit and debit is a Transaction keyed by a globally unique
// invoice id. A transaction is created pending, and the balance moves
// exactly once, when it transitions to completed. Terminal transactions
// (completed, failed) are never mutated again; retries of a failed
// attempt must use a fresh invoice id.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/genbot/starledger/internal/idgen"
	"github.com/genbot/starledger/internal/pricing"
)

var (
	ErrDuplicateInvoice  = errors.New("invoice id already exists")
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrTransactionFailed = errors.New("transaction already failed, begin a new one")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidDirection  = errors.New("invalid direction")
	ErrInvalidInvoice    = errors.New("invalid invoice id")

	// ErrInsufficientBalance matches InsufficientBalanceError via errors.Is.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// InsufficientBalanceError carries the shortfall so call sites can render
// a precise user message.
type InsufficientBalanceError struct {
	UserID    string
	Required  pricing.Stars
	Available pricing.Stars
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: required %d stars, available %d", e.UserID, e.Required, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Direction of a balance movement.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Status of a transaction. pending → completed | failed; nothing else.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Source identifies where a transaction came from, for audit and
// reconciliation against the provider's records.
type Source struct {
	Provider  string `json:"provider"`            // "robokassa", "internal", ...
	Reference string `json:"reference,omitempty"` // raw provider reference or debit reason
}

// Transaction is one balance-affecting event.
type Transaction struct {
	InvoiceID   string        `json:"invoiceId"`
	UserID      string        `json:"userId"`
	Direction   Direction     `json:"direction"`
	AmountStars pricing.Stars `json:"amountStars"`
	Status      Status        `json:"status"`
	Source      Source        `json:"source"`
	FailReason  string        `json:"failReason,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// Balance is the materialized per-user star counter. The transaction log
// is the source of truth; this counter exists for read performance and
// must reconcile against completed transactions.
type Balance struct {
	UserID      string        `json:"userId"`
	AmountStars pricing.Stars `json:"amountStars"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Store persists transactions and balances. Implementations must
// serialize mutations per invoice id and per user id: MarkCompleted is
// the single point where a balance moves, and it either applies fully or
// not at all. A store timeout surfaces as an error, never as a
// completed transaction.
type Store interface {
	// Insert records a new pending transaction. Fails with
	// ErrDuplicateInvoice if the invoice id exists in any state.
	Insert(ctx context.Context, tx *Transaction) error

	// Get returns the transaction for an invoice id.
	Get(ctx context.Context, invoiceID string) (*Transaction, error)

	// MarkCompleted applies the balance delta and flips pending →
	// completed atomically. Already-completed transactions are returned
	// unchanged without re-applying; failed ones return
	// ErrTransactionFailed. A debit that would overdraw returns
	// *InsufficientBalanceError and mutates nothing.
	MarkCompleted(ctx context.Context, invoiceID string) (*Transaction, error)

	// MarkFailed flips pending → failed. Terminal transactions are
	// returned unchanged.
	MarkFailed(ctx context.Context, invoiceID, reason string) (*Transaction, error)

	// UpdatePendingAmount replaces the amount of a pending transaction.
	// Terminal transactions are returned unchanged (a concurrent
	// completion already settled the amount).
	UpdatePendingAmount(ctx context.Context, invoiceID string, amount pricing.Stars) (*Transaction, error)

	// GetBalance reads the materialized counter. Unknown users have a
	// zero balance.
	GetBalance(ctx context.Context, userID string) (*Balance, error)

	// History returns a user's transactions, newest first.
	History(ctx context.Context, userID string, limit int) ([]*Transaction, error)

	// CompletedTotals derives per-user balances from completed
	// transactions (credits minus debits), for reconciliation.
	CompletedTotals(ctx context.Context) (map[string]pricing.Stars, error)

	// AllBalances lists every materialized counter.
	AllBalances(ctx context.Context) ([]*Balance, error)
}

// Ledger wraps a Store with validation, metrics, and the idempotency
// contract callers rely on.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a ledger over the given store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Begin records a new pending transaction for the invoice id. Invoice
// ids must be unique per logical attempt, not per retry: a duplicate in
// any state fails with ErrDuplicateInvoice.
func (l *Ledger) Begin(ctx context.Context, invoiceID, userID string, dir Direction, amount pricing.Stars, src Source) (*Transaction, error) {
	defer observeOp("begin")()

	if invoiceID == "" {
		return nil, ErrInvalidInvoice
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidAmount)
	}
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if dir != Credit && dir != Debit {
		return nil, ErrInvalidDirection
	}

	tx := &Transaction{
		InvoiceID:   invoiceID,
		UserID:      userID,
		Direction:   dir,
		AmountStars: amount,
		Status:      StatusPending,
		Source:      src,
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.store.Insert(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Complete applies the balance movement for a pending transaction.
// Idempotent: completing an already-completed invoice returns the
// existing record without moving the balance again. A failed
// transaction cannot be resurrected.
func (l *Ledger) Complete(ctx context.Context, invoiceID string) (*Transaction, error) {
	defer observeOp("complete")()

	tx, err := l.store.MarkCompleted(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Fail flips a pending transaction to failed. No-op on terminal
// transactions: the existing record is returned as-is.
func (l *Ledger) Fail(ctx context.Context, invoiceID, reason string) (*Transaction, error) {
	defer observeOp("fail")()
	return l.store.MarkFailed(ctx, invoiceID, reason)
}

// Get returns the transaction for an invoice id.
func (l *Ledger) Get(ctx context.Context, invoiceID string) (*Transaction, error) {
	return l.store.Get(ctx, invoiceID)
}

// AdjustPending replaces the amount of a pending transaction, for when
// the settled amount turns out to differ from the invoiced one. No-op on
// terminal transactions.
func (l *Ledger) AdjustPending(ctx context.Context, invoiceID string, amount pricing.Stars) (*Transaction, error) {
	defer observeOp("adjust")()

	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	return l.store.UpdatePendingAmount(ctx, invoiceID, amount)
}

// GetBalance reads the materialized star counter for a user.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (pricing.Stars, error) {
	bal, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return bal.AmountStars, nil
}

// Debit begins and completes a debit in one call. Returns
// *InsufficientBalanceError (no mutation beyond a failed transaction
// record) when the balance cannot cover the amount.
func (l *Ledger) Debit(ctx context.Context, userID string, amount pricing.Stars, reason string) (*Transaction, error) {
	defer observeOp("debit")()

	invoiceID := idgen.WithPrefix("inv_")
	if _, err := l.Begin(ctx, invoiceID, userID, Debit, amount, Source{Provider: "internal", Reference: reason}); err != nil {
		return nil, err
	}

	completed, err := l.store.MarkCompleted(ctx, invoiceID)
	if err != nil {
		var insufficient *InsufficientBalanceError
		if errors.As(err, &insufficient) {
			if _, failErr := l.store.MarkFailed(ctx, invoiceID, "insufficient balance"); failErr != nil {
				l.logger.Error("failed to mark underfunded debit as failed",
					"invoice_id", invoiceID, "user_id", userID, "error", failErr)
			}
			return nil, err
		}
		// Store errors (including timeouts) leave the transaction
		// pending or failed, never completed.
		if _, failErr := l.store.MarkFailed(ctx, invoiceID, err.Error()); failErr != nil {
			l.logger.Error("failed to mark debit as failed",
				"invoice_id", invoiceID, "user_id", userID, "error", failErr)
		}
		return nil, err
	}
	return completed, nil
}

// History returns a user's transactions, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, limit)
}

// ReconciliationResult compares one user's materialized counter against
// the balance derived from completed transactions.
type ReconciliationResult struct {
	UserID  string        `json:"userId"`
	Counter pricing.Stars `json:"counter"`
	Derived pricing.Stars `json:"derived"`
	Match   bool          `json:"match"`
}

// Reconcile replays completed transactions and compares the derived
// balances against the materialized counters. The transaction log wins:
// a mismatch means the counter needs repair, not the log.
func (l *Ledger) Reconcile(ctx context.Context) ([]*ReconciliationResult, error) {
	derived, err := l.store.CompletedTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("derive balances: %w", err)
	}
	counters, err := l.store.AllBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}

	seen := make(map[string]bool, len(counters))
	results := make([]*ReconciliationResult, 0, len(counters))
	for _, bal := range counters {
		seen[bal.UserID] = true
		r := &ReconciliationResult{
			UserID:  bal.UserID,
			Counter: bal.AmountStars,
			Derived: derived[bal.UserID],
		}
		r.Match = r.Counter == r.Derived
		if !r.Match {
			reconcileMismatches.Inc()
			l.logger.Error("balance counter out of sync with transaction log",
				"user_id", r.UserID, "counter", r.Counter, "derived", r.Derived)
		}
		results = append(results, r)
	}
	// Users present in the log but missing a counter row.
	for userID, sum := range derived {
		if !seen[userID] {
			results = append(results, &ReconciliationResult{
				UserID: userID, Counter: 0, Derived: sum, Match: sum == 0,
			})
		}
	}
	return results, nil
}
