package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/genbot/starledger/internal/pricing"
)

// PostgresStore implements Store with PostgreSQL. The transactions table
// has the invoice id as primary key, so the uniqueness constraint is the
// idempotency guarantee; balance arithmetic happens inside serializable
// transactions with a CHECK (amount_stars >= 0) backstop.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. cmd/migrate applies the same schema
// via goose; this exists for test and embedded setups.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			invoice_id    VARCHAR(64) PRIMARY KEY,
			user_id       VARCHAR(64) NOT NULL,
			direction     VARCHAR(6)  NOT NULL,
			amount_stars  BIGINT      NOT NULL,
			status        VARCHAR(10) NOT NULL DEFAULT 'pending',
			provider      VARCHAR(32) NOT NULL DEFAULT '',
			provider_ref  VARCHAR(255) NOT NULL DEFAULT '',
			fail_reason   TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at  TIMESTAMPTZ,
			CONSTRAINT chk_amount_nonneg CHECK (amount_stars >= 0),
			CONSTRAINT chk_direction CHECK (direction IN ('credit', 'debit')),
			CONSTRAINT chk_status CHECK (status IN ('pending', 'completed', 'failed'))
		);

		CREATE TABLE IF NOT EXISTS balances (
			user_id       VARCHAR(64) PRIMARY KEY,
			amount_stars  BIGINT      NOT NULL DEFAULT 0,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (amount_stars >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, tx *Transaction) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (invoice_id, user_id, direction, amount_stars, status, provider, provider_ref, created_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7)
		ON CONFLICT (invoice_id) DO NOTHING
	`, tx.InvoiceID, tx.UserID, string(tx.Direction), int64(tx.AmountStars), tx.Source.Provider, tx.Source.Reference, tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if rows == 0 {
		return ErrDuplicateInvoice
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, invoiceID string) (*Transaction, error) {
	return scanTransaction(p.db.QueryRowContext(ctx, `
		SELECT invoice_id, user_id, direction, amount_stars, status, provider, provider_ref, fail_reason, created_at, completed_at
		FROM transactions WHERE invoice_id = $1
	`, invoiceID))
}

func (p *PostgresStore) MarkCompleted(ctx context.Context, invoiceID string) (*Transaction, error) {
	dbtx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback()

	// Lock the transaction row; concurrent completions of the same
	// invoice serialize here.
	tx, err := scanTransaction(dbtx.QueryRowContext(ctx, `
		SELECT invoice_id, user_id, direction, amount_stars, status, provider, provider_ref, fail_reason, created_at, completed_at
		FROM transactions WHERE invoice_id = $1 FOR UPDATE
	`, invoiceID))
	if err != nil {
		return nil, err
	}

	switch tx.Status {
	case StatusCompleted:
		return tx, nil
	case StatusFailed:
		return nil, ErrTransactionFailed
	}

	switch tx.Direction {
	case Credit:
		_, err = dbtx.ExecContext(ctx, `
			INSERT INTO balances (user_id, amount_stars, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				amount_stars = balances.amount_stars + $2,
				updated_at   = NOW()
		`, tx.UserID, int64(tx.AmountStars))
		if err != nil {
			return nil, fmt.Errorf("apply credit: %w", err)
		}
	case Debit:
		res, err := dbtx.ExecContext(ctx, `
			UPDATE balances SET
				amount_stars = amount_stars - $2,
				updated_at   = NOW()
			WHERE user_id = $1 AND amount_stars >= $2
		`, tx.UserID, int64(tx.AmountStars))
		if err != nil {
			return nil, fmt.Errorf("apply debit: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("apply debit: %w", err)
		}
		if rows == 0 {
			var available int64
			_ = dbtx.QueryRowContext(ctx, `
				SELECT amount_stars FROM balances WHERE user_id = $1
			`, tx.UserID).Scan(&available)
			return nil, &InsufficientBalanceError{
				UserID:    tx.UserID,
				Required:  tx.AmountStars,
				Available: pricing.Stars(available),
			}
		}
	}

	now := time.Now().UTC()
	_, err = dbtx.ExecContext(ctx, `
		UPDATE transactions SET status = 'completed', completed_at = $2
		WHERE invoice_id = $1
	`, invoiceID, now)
	if err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	tx.Status = StatusCompleted
	tx.CompletedAt = &now
	return tx, nil
}

func (p *PostgresStore) MarkFailed(ctx context.Context, invoiceID, reason string) (*Transaction, error) {
	dbtx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback()

	tx, err := scanTransaction(dbtx.QueryRowContext(ctx, `
		SELECT invoice_id, user_id, direction, amount_stars, status, provider, provider_ref, fail_reason, created_at, completed_at
		FROM transactions WHERE invoice_id = $1 FOR UPDATE
	`, invoiceID))
	if err != nil {
		return nil, err
	}
	if tx.Status.Terminal() {
		return tx, nil
	}

	now := time.Now().UTC()
	_, err = dbtx.ExecContext(ctx, `
		UPDATE transactions SET status = 'failed', fail_reason = $2, completed_at = $3
		WHERE invoice_id = $1
	`, invoiceID, reason, now)
	if err != nil {
		return nil, fmt.Errorf("mark failed: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	tx.Status = StatusFailed
	tx.FailReason = reason
	tx.CompletedAt = &now
	return tx, nil
}

func (p *PostgresStore) UpdatePendingAmount(ctx context.Context, invoiceID string, amount pricing.Stars) (*Transaction, error) {
	dbtx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer dbtx.Rollback()

	tx, err := scanTransaction(dbtx.QueryRowContext(ctx, `
		SELECT invoice_id, user_id, direction, amount_stars, status, provider, provider_ref, fail_reason, created_at, completed_at
		FROM transactions WHERE invoice_id = $1 FOR UPDATE
	`, invoiceID))
	if err != nil {
		return nil, err
	}
	if tx.Status.Terminal() {
		return tx, nil
	}

	_, err = dbtx.ExecContext(ctx, `
		UPDATE transactions SET amount_stars = $2 WHERE invoice_id = $1
	`, invoiceID, int64(amount))
	if err != nil {
		return nil, fmt.Errorf("update pending amount: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	tx.AmountStars = amount
	return tx, nil
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT amount_stars, updated_at FROM balances WHERE user_id = $1
	`, userID).Scan(&bal.AmountStars, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		return &Balance{UserID: userID, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}

func (p *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT invoice_id, user_id, direction, amount_stars, status, provider, provider_ref, fail_reason, created_at, completed_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (p *PostgresStore) CompletedTotals(ctx context.Context) (map[string]pricing.Stars, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id,
		       SUM(CASE WHEN direction = 'credit' THEN amount_stars ELSE -amount_stars END)
		FROM transactions
		WHERE status = 'completed'
		GROUP BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("completed totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]pricing.Stars)
	for rows.Next() {
		var userID string
		var sum int64
		if err := rows.Scan(&userID, &sum); err != nil {
			return nil, err
		}
		totals[userID] = pricing.Stars(sum)
	}
	return totals, rows.Err()
}

func (p *PostgresStore) AllBalances(ctx context.Context) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, amount_stars, updated_at FROM balances
	`)
	if err != nil {
		return nil, fmt.Errorf("all balances: %w", err)
	}
	defer rows.Close()

	var out []*Balance
	for rows.Next() {
		bal := &Balance{}
		if err := rows.Scan(&bal.UserID, &bal.AmountStars, &bal.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, bal)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	tx := &Transaction{}
	var direction, status string
	var amount int64
	var failReason sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&tx.InvoiceID, &tx.UserID, &direction, &amount, &status,
		&tx.Source.Provider, &tx.Source.Reference, &failReason, &tx.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	tx.Direction = Direction(direction)
	tx.Status = Status(status)
	tx.AmountStars = pricing.Stars(amount)
	tx.FailReason = failReason.String
	if completedAt.Valid {
		t := completedAt.Time
		tx.CompletedAt = &t
	}
	return tx, nil
}
