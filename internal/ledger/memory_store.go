package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/genbot/starledger/internal/pricing"
	"github.com/genbot/starledger/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for development mode and
// tests. Balance mutations serialize per user through a sharded mutex;
// the map mutex covers the structures themselves.
type MemoryStore struct {
	mu       sync.RWMutex
	txs      map[string]*Transaction // invoice id → transaction
	order    []string                // invoice ids, insertion order
	balances map[string]*Balance

	users syncutil.ShardedMutex
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:      make(map[string]*Transaction),
		balances: make(map[string]*Balance),
	}
}

func (m *MemoryStore) Insert(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txs[tx.InvoiceID]; exists {
		return ErrDuplicateInvoice
	}
	cp := *tx
	m.txs[tx.InvoiceID] = &cp
	m.order = append(m.order, tx.InvoiceID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, invoiceID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[invoiceID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, invoiceID string) (*Transaction, error) {
	m.mu.RLock()
	tx, ok := m.txs[invoiceID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrInvoiceNotFound
	}

	// Per-user serialization: two concurrent completions for the same
	// invoice, or two debits racing one balance, queue up here.
	unlock := m.users.Lock(tx.UserID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	tx = m.txs[invoiceID]
	switch tx.Status {
	case StatusCompleted:
		cp := *tx
		return &cp, nil
	case StatusFailed:
		return nil, ErrTransactionFailed
	}

	bal, ok := m.balances[tx.UserID]
	if !ok {
		bal = &Balance{UserID: tx.UserID}
		m.balances[tx.UserID] = bal
	}

	switch tx.Direction {
	case Credit:
		bal.AmountStars += tx.AmountStars
	case Debit:
		if bal.AmountStars < tx.AmountStars {
			return nil, &InsufficientBalanceError{
				UserID:    tx.UserID,
				Required:  tx.AmountStars,
				Available: bal.AmountStars,
			}
		}
		bal.AmountStars -= tx.AmountStars
	}
	bal.UpdatedAt = time.Now().UTC()

	now := time.Now().UTC()
	tx.Status = StatusCompleted
	tx.CompletedAt = &now

	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, invoiceID, reason string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[invoiceID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	if tx.Status.Terminal() {
		cp := *tx
		return &cp, nil
	}

	now := time.Now().UTC()
	tx.Status = StatusFailed
	tx.FailReason = reason
	tx.CompletedAt = &now

	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) UpdatePendingAmount(ctx context.Context, invoiceID string, amount pricing.Stars) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[invoiceID]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	if tx.Status == StatusPending {
		tx.AmountStars = amount
	}

	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{UserID: userID, UpdatedAt: time.Now().UTC()}, nil
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.order) - 1; i >= 0 && len(result) < limit; i-- {
		if tx := m.txs[m.order[i]]; tx.UserID == userID {
			cp := *tx
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) CompletedTotals(ctx context.Context) (map[string]pricing.Stars, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[string]pricing.Stars)
	for _, tx := range m.txs {
		if tx.Status != StatusCompleted {
			continue
		}
		switch tx.Direction {
		case Credit:
			totals[tx.UserID] += tx.AmountStars
		case Debit:
			totals[tx.UserID] -= tx.AmountStars
		}
	}
	return totals, nil
}

func (m *MemoryStore) AllBalances(ctx context.Context) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Balance, 0, len(m.balances))
	for _, bal := range m.balances {
		cp := *bal
		out = append(out, &cp)
	}
	return out, nil
}
