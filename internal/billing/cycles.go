package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/models"
	"go.uber.org/zap"
)

// Period is the half-open window [Start, End) one cycle covers.
type Period struct {
	Start time.Time
	End   time.Time
}

// Hours returns the elapsed duration in fractional hours.
func (p Period) Hours() float64 {
	return p.End.Sub(p.Start).Hours()
}

// NextPeriod derives the next billable window for an instance. The start is
// the watermark (or the creation timestamp if never billed), so consecutive
// successful cycles are contiguous and non-overlapping by construction. The
// end is the sweep execution time, clamped to the deletion timestamp for
// soft-deleted instances.
func NextPeriod(inst models.Instance, now time.Time) Period {
	start := inst.CreatedAt
	if inst.LastBilledAt != nil {
		start = *inst.LastBilledAt
	}
	end := now
	if inst.DeletedAt != nil && inst.DeletedAt.Before(end) {
		end = *inst.DeletedAt
	}
	return Period{Start: start, End: end}
}

// Tracker is the pgx-backed billing cycle store. MarkBilled pairs the cycle
// transition with the watermark advance in one transaction: advancing the
// watermark without a confirmed debit is a billing loss, confirming a debit
// without advancing the watermark is a double charge.
type Tracker struct {
	db     *database.Database
	logger *zap.Logger
}

// NewTracker creates a cycle tracker over the given database.
func NewTracker(db *database.Database, logger *zap.Logger) *Tracker {
	return &Tracker{db: db, logger: logger}
}

// EnsurePending persists cycle as pending, unless a pending cycle already
// exists for the same instance and period start — a crashed earlier attempt
// — in which case that cycle is returned unchanged so its ID keeps serving
// as the debit idempotency key.
func (t *Tracker) EnsurePending(ctx context.Context, cycle *models.BillingCycle) (*models.BillingCycle, error) {
	// The partial unique index on (instance_id, period_start) WHERE
	// status='pending' makes this safe against a concurrent executor.
	_, err := t.db.Pool.Exec(ctx, `
		INSERT INTO billing_cycles (
			id, instance_id, account_id, period_start, period_end,
			hourly_rate, amount, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', NOW())
		ON CONFLICT (instance_id, period_start) WHERE status = 'pending'
		DO NOTHING
	`, cycle.ID, cycle.InstanceID, cycle.AccountID,
		cycle.PeriodStart, cycle.PeriodEnd, cycle.HourlyRate, cycle.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to insert pending cycle: %w", err)
	}

	existing := &models.BillingCycle{Status: models.CyclePending}
	err = t.db.Pool.QueryRow(ctx, `
		SELECT id, instance_id, account_id, period_start, period_end,
		       hourly_rate, amount, created_at
		FROM billing_cycles
		WHERE instance_id = $1 AND period_start = $2 AND status = 'pending'
	`, cycle.InstanceID, cycle.PeriodStart).Scan(
		&existing.ID, &existing.InstanceID, &existing.AccountID,
		&existing.PeriodStart, &existing.PeriodEnd,
		&existing.HourlyRate, &existing.Amount, &existing.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending cycle: %w", err)
	}
	return existing, nil
}

// MarkBilled transitions the cycle to billed and advances the instance
// watermark to the cycle's period end atomically. The monotonic guard on
// last_billed_at keeps the watermark non-decreasing even under a rare
// concurrent double-run during lease handoff.
func (t *Tracker) MarkBilled(ctx context.Context, cycle *models.BillingCycle, txnID uuid.UUID) error {
	return t.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE billing_cycles
			SET status = 'billed', ledger_txn_id = $2
			WHERE id = $1 AND status = 'pending'
		`, cycle.ID, txnID)
		if err != nil {
			return fmt.Errorf("failed to mark cycle billed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("cycle %s is not pending", cycle.ID)
		}

		_, err = tx.Exec(ctx, `
			UPDATE instances
			SET last_billed_at = $2
			WHERE id = $1
			  AND (last_billed_at IS NULL OR last_billed_at <= $2)
		`, cycle.InstanceID, cycle.PeriodEnd)
		if err != nil {
			return fmt.Errorf("failed to advance watermark: %w", err)
		}
		return nil
	})
}

// MarkFailed records the failure outcome. The watermark is untouched, so
// the unbilled period persists and is retried on the next sweep. Failed
// cycles are retained permanently as an audit trail alongside the later
// success that covers the accumulated backlog.
func (t *Tracker) MarkFailed(ctx context.Context, cycleID uuid.UUID, reason string) error {
	_, err := t.db.Pool.Exec(ctx, `
		UPDATE billing_cycles
		SET status = 'failed', fail_reason = $2
		WHERE id = $1 AND status = 'pending'
	`, cycleID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark cycle failed: %w", err)
	}
	return nil
}

// History lists all cycles for an instance, newest first. Consumed by the
// invoicing collaborator through the gateway.
func (t *Tracker) History(ctx context.Context, instanceID uuid.UUID) ([]models.BillingCycle, error) {
	rows, err := t.db.Pool.Query(ctx, `
		SELECT id, instance_id, account_id, period_start, period_end,
		       hourly_rate, amount, status, ledger_txn_id,
		       COALESCE(fail_reason, ''), created_at
		FROM billing_cycles
		WHERE instance_id = $1
		ORDER BY period_start DESC, created_at DESC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query billing history: %w", err)
	}
	defer rows.Close()

	var cycles []models.BillingCycle
	for rows.Next() {
		var c models.BillingCycle
		if err := rows.Scan(
			&c.ID, &c.InstanceID, &c.AccountID, &c.PeriodStart, &c.PeriodEnd,
			&c.HourlyRate, &c.Amount, &c.Status, &c.LedgerTxnID,
			&c.FailReason, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan billing cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to read billing history: %w", err)
	}
	return cycles, nil
}
