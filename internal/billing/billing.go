// Package billing implements the usage-based reconciliation engine: it
// debits prepaid account balances for elapsed instance hours exactly once,
// even when both the embedded scheduler and a standalone daemon attempt the
// same sweep. Mutual exclusion is a heartbeat lease over shared storage;
// monetary safety is a per-instance watermark paired with an idempotent
// conditional debit.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nimbushost/panel/pkg/models"
	"github.com/shopspring/decimal"
)

// ErrPlanUnavailable marks a configuration error: the instance references a
// plan that is missing or inactive. The instance is excluded from the
// current sweep; the sweep itself continues.
var ErrPlanUnavailable = errors.New("plan missing or inactive")

// PlanSource looks up pricing inputs. Returns (nil, nil) when the plan does
// not exist.
type PlanSource interface {
	Plan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
}

// InstanceSource lists instances with unbilled time, oldest watermark first.
type InstanceSource interface {
	ListBillable(ctx context.Context, limit int) ([]models.Instance, error)
}

// StateSource returns the most recent cached lifecycle observation for an
// instance. Implementations must not call the provider inline.
type StateSource interface {
	State(ctx context.Context, inst models.Instance) (models.LifecycleState, time.Time, error)
}

// RateSource resolves an instance's effective hourly rate.
type RateSource interface {
	Resolve(ctx context.Context, inst models.Instance) (decimal.Decimal, error)
}

// DebitResult is the outcome of a conditional debit. Applied=false means
// insufficient funds, which is an expected business outcome, not an error.
type DebitResult struct {
	Applied    bool
	NewBalance decimal.Decimal
	TxnID      uuid.UUID
}

// Debitor is the single write path into the account wallet.
type Debitor interface {
	Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, idempotencyKey uuid.UUID) (DebitResult, error)
}

// CycleTracker owns the record of what has already been billed.
type CycleTracker interface {
	// EnsurePending returns the existing pending cycle for the same
	// instance and period start if one exists (a crashed earlier attempt),
	// otherwise persists and returns the given cycle. Reusing the cycle ID
	// keeps the debit idempotency key stable across retries.
	EnsurePending(ctx context.Context, cycle *models.BillingCycle) (*models.BillingCycle, error)
	// MarkBilled records the debit and advances the instance watermark to
	// the cycle's period end in one atomic write.
	MarkBilled(ctx context.Context, cycle *models.BillingCycle, txnID uuid.UUID) error
	// MarkFailed records the failure and leaves the watermark alone, so the
	// unbilled period accumulates into the next attempt.
	MarkFailed(ctx context.Context, cycleID uuid.UUID, reason string) error
}

// LeaseStore persists executor heartbeat records.
type LeaseStore interface {
	List(ctx context.Context) ([]models.LeaseRecord, error)
	Upsert(ctx context.Context, rec models.LeaseRecord) error
}
