package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nimbushost/panel/pkg/database"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Ledger is the pgx-backed wallet write path: an append-only transaction
// log plus a mutable balance, exposed as a single atomic conditional debit.
type Ledger struct {
	db     *database.Database
	logger *zap.Logger
}

// NewLedger creates a ledger over the given database.
func NewLedger(db *database.Database, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// Debit atomically subtracts amount from the account balance if and only if
// the balance covers it. The idempotency key (the billing cycle ID) makes a
// repeated call for the same cycle a no-op that returns the original
// transaction, protecting against a crash between "debit succeeded" and
// "cycle marked billed".
func (l *Ledger) Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, idempotencyKey uuid.UUID) (DebitResult, error) {
	var res DebitResult
	err := l.db.WithTx(ctx, func(tx pgx.Tx) error {
		// Replay check first: a transaction already recorded for this key
		// means the debit landed on an earlier attempt.
		var txnID uuid.UUID
		var balanceAfter decimal.Decimal
		err := tx.QueryRow(ctx, `
			SELECT id, balance_after
			FROM wallet_transactions
			WHERE idempotency_key = $1
		`, idempotencyKey).Scan(&txnID, &balanceAfter)
		if err == nil {
			res = DebitResult{Applied: true, NewBalance: balanceAfter, TxnID: txnID}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to check idempotency key: %w", err)
		}

		// Conditional update, not read-then-write: this is what makes the
		// debit safe against a concurrent manual wallet action.
		var newBalance decimal.Decimal
		err = tx.QueryRow(ctx, `
			UPDATE wallets
			SET balance = balance - $2, updated_at = NOW()
			WHERE account_id = $1 AND balance >= $2
			RETURNING balance
		`, accountID, amount).Scan(&newBalance)
		if errors.Is(err, pgx.ErrNoRows) {
			res = DebitResult{Applied: false}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to debit wallet: %w", err)
		}

		txnID = uuid.New()
		_, err = tx.Exec(ctx, `
			INSERT INTO wallet_transactions (
				id, account_id, amount, balance_after, entry_type,
				idempotency_key, created_at
			) VALUES ($1, $2, $3, $4, 'debit', $5, NOW())
		`, txnID, accountID, amount.Neg(), newBalance, idempotencyKey)
		if err != nil {
			return fmt.Errorf("failed to append wallet transaction: %w", err)
		}

		res = DebitResult{Applied: true, NewBalance: newBalance, TxnID: txnID}
		return nil
	})
	if err != nil {
		return DebitResult{}, err
	}

	if !res.Applied {
		l.logger.Info("debit declined, insufficient funds",
			zap.String("account_id", accountID.String()),
			zap.String("amount", amount.String()),
		)
	}
	return res, nil
}
