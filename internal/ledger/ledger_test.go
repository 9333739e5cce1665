package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genbot/starledger/internal/pricing"
)

func newTestLedger() *Ledger {
	return New(NewMemoryStore(), nil)
}

func TestBegin_DuplicateInvoice(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Begin(ctx, "INV1", "user1", Credit, 50, Source{Provider: "robokassa"})
	require.NoError(t, err)

	// Same invoice id in any state is rejected, even with different fields.
	_, err = l.Begin(ctx, "INV1", "user2", Debit, 10, Source{})
	assert.ErrorIs(t, err, ErrDuplicateInvoice)
}

func TestBegin_Validation(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Begin(ctx, "", "user1", Credit, 5, Source{})
	assert.ErrorIs(t, err, ErrInvalidInvoice)

	_, err = l.Begin(ctx, "INV1", "user1", Credit, -5, Source{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Begin(ctx, "INV1", "user1", Direction("sideways"), 5, Source{})
	assert.ErrorIs(t, err, ErrInvalidDirection)
}

func TestComplete_AppliesCreditOnce(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Begin(ctx, "INV1", "user1", Credit, 50, Source{Provider: "robokassa", Reference: "789"})
	require.NoError(t, err)

	tx, err := l.Complete(ctx, "INV1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
	require.NotNil(t, tx.CompletedAt)

	bal, err := l.GetBalance(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, pricing.Stars(50), bal)

	// Re-delivery: same record back, balance untouched.
	tx2, err := l.Complete(ctx, "INV1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx2.Status)

	bal, _ = l.GetBalance(ctx, "user1")
	assert.Equal(t, pricing.Stars(50), bal)
}

func TestComplete_FailedCannotBeResurrected(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Begin(ctx, "INV1", "user1", Credit, 50, Source{})
	require.NoError(t, err)

	_, err = l.Fail(ctx, "INV1", "verification failed")
	require.NoError(t, err)

	_, err = l.Complete(ctx, "INV1")
	assert.ErrorIs(t, err, ErrTransactionFailed)

	bal, _ := l.GetBalance(ctx, "user1")
	assert.Equal(t, pricing.Stars(0), bal)
}

func TestComplete_UnknownInvoice(t *testing.T) {
	l := newTestLedger()
	_, err := l.Complete(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestFail_NoOpOnTerminal(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Begin(ctx, "INV1", "user1", Credit, 50, Source{})
	require.NoError(t, err)
	_, err = l.Complete(ctx, "INV1")
	require.NoError(t, err)

	// Failing a completed transaction returns it unchanged.
	tx, err := l.Fail(ctx, "INV1", "late failure")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.Empty(t, tx.FailReason)

	bal, _ := l.GetBalance(ctx, "user1")
	assert.Equal(t, pricing.Stars(50), bal)
}

func TestAdjustPending_UpdatesAmount(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Begin(ctx, "INV1", "user1", Credit, 50, Source{Provider: "robokassa"})
	require.NoError(t, err)

	tx, err := l.AdjustPending(ctx, "INV1", 6)
	require.NoError(t, err)
	assert.Equal(t, pricing.Stars(6), tx.AmountStars)
	assert.Equal(t, StatusPending, tx.Status)

	_, err = l.Complete(ctx, "INV1")
	require.NoError(t, err)

	bal, _ := l.GetBalance(ctx, "user1")
	assert.Equal(t, pricing.Stars(6), bal, "the adjusted amount is what settles")
}

func TestAdjustPending_NoOpOnTerminal(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Begin(ctx, "INV1", "user1", Credit, 50, Source{})
	require.NoError(t, err)
	_, err = l.Complete(ctx, "INV1")
	require.NoError(t, err)

	tx, err := l.AdjustPending(ctx, "INV1", 6)
	require.NoError(t, err)
	assert.Equal(t, pricing.Stars(50), tx.AmountStars, "completed transactions keep their settled amount")

	bal, _ := l.GetBalance(ctx, "user1")
	assert.Equal(t, pricing.Stars(50), bal)
}

func TestAdjustPending_Validation(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.AdjustPending(ctx, "INV1", -1)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.AdjustPending(ctx, "nope", 5)
	assert.ErrorIs(t, err, ErrInvoiceNotFound)
}

func TestDebit_Success(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	creditUser(t, l, "user1", 10)

	tx, err := l.Debit(ctx, "user1", 3, "image.flux generation")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tx.Status)
	assert.Equal(t, Debit, tx.Direction)
	assert.NotEmpty(t, tx.InvoiceID)

	bal, _ := l.GetBalance(ctx, "user1")
	assert.Equal(t, pricing.Stars(7), bal)
}

func TestDebit_InsufficientBalance(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	creditUser(t, l, "user1", 5)

	_, err := l.Debit(ctx, "user1", 8, "video.kling generation")
	require.Error(t, err)

	var insufficient *InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, pricing.Stars(8), insufficient.Required)
	assert.Equal(t, pricing.Stars(5), insufficient.Available)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	bal, _ := l.GetBalance(ctx, "user1")
	assert.Equal(t, pricing.Stars(5), bal, "failed debit must not move the balance")
}

func TestComplete_ConcurrentSameInvoice(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	_, err := l.Begin(ctx, "INV1", "user1", Credit, 50, Source{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Complete(ctx, "INV1")
		}()
	}
	wg.Wait()

	bal, _ := l.GetBalance(ctx, "user1")
	assert.Equal(t, pricing.Stars(50), bal, "concurrent completions must credit exactly once")
}

func TestDebit_ConcurrentAgainstOneBalance(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	creditUser(t, l, "user1", 10)

	// Ten concurrent 3-star debits against 10 stars: at most three can win.
	var wg sync.WaitGroup
	successes := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Debit(ctx, "user1", 3, "race"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	won := len(successes)
	assert.Equal(t, 3, won)

	bal, _ := l.GetBalance(ctx, "user1")
	assert.Equal(t, pricing.Stars(10-3*won), bal)
}

func TestHistory(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()

	creditUser(t, l, "user1", 10)
	_, err := l.Debit(ctx, "user1", 2, "tts")
	require.NoError(t, err)
	_, err = l.Debit(ctx, "user1", 3, "upscale")
	require.NoError(t, err)

	txs, err := l.History(ctx, "user1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	// Newest first.
	assert.Equal(t, Debit, txs[0].Direction)
	assert.Equal(t, pricing.Stars(3), txs[0].AmountStars)
}

func TestReconcile(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, nil)
	ctx := context.Background()

	_, err := l.Begin(ctx, "INV1", "user1", Credit, 50, Source{})
	require.NoError(t, err)
	_, err = l.Complete(ctx, "INV1")
	require.NoError(t, err)
	_, err = l.Debit(ctx, "user1", 20, "spend")
	require.NoError(t, err)

	results, err := l.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Match)
	assert.Equal(t, pricing.Stars(30), results[0].Counter)
	assert.Equal(t, pricing.Stars(30), results[0].Derived)

	// Corrupt the counter behind the ledger's back.
	store.mu.Lock()
	store.balances["user1"].AmountStars = 99
	store.mu.Unlock()

	results, err = l.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Match)
	assert.Equal(t, pricing.Stars(99), results[0].Counter)
	assert.Equal(t, pricing.Stars(30), results[0].Derived)
}

func creditUser(t *testing.T, l *Ledger, userID string, amount pricing.Stars) {
	t.Helper()
	ctx := context.Background()
	invoiceID := "seed_" + userID
	if _, err := l.Begin(ctx, invoiceID, userID, Credit, amount, Source{Provider: "test"}); err != nil {
		t.Fatalf("seed begin: %v", err)
	}
	if _, err := l.Complete(ctx, invoiceID); err != nil {
		t.Fatalf("seed complete: %v", err)
	}
}
