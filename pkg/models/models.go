package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LifecycleState is the last provider-reported state of an instance.
type LifecycleState string

const (
	StateProvisioning LifecycleState = "provisioning"
	StateRunning      LifecycleState = "running"
	StateStopped      LifecycleState = "stopped"
	StateRebooting    LifecycleState = "rebooting"
	StateRestoring    LifecycleState = "restoring"
	StateBackingUp    LifecycleState = "backing_up"
	StateError        LifecycleState = "error"
	StateDeleted      LifecycleState = "deleted"
)

// Billable reports whether an instance in this state accrues charges.
// Everything except provisioning (not yet delivered) and deleted accrues:
// stopped and errored instances still hold allocated provider resources.
func (s LifecycleState) Billable() bool {
	switch s {
	case StateProvisioning, StateDeleted:
		return false
	default:
		return true
	}
}

// BackupTier is the backup add-on level purchased for an instance.
type BackupTier string

const (
	BackupNone   BackupTier = "none"
	BackupWeekly BackupTier = "weekly"
	BackupDaily  BackupTier = "daily"
)

// Plan holds the pricing inputs for the rate resolver. Plans are owned by
// the catalog; this core reads them and never writes.
type Plan struct {
	ID            uuid.UUID
	Name          string
	BaseHourly    decimal.Decimal
	BackupHourly  decimal.Decimal
	MarkupPercent decimal.Decimal
	Active        bool
}

// Instance is the billing-relevant view of a provisioned virtual machine.
type Instance struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	PlanID    uuid.UUID
	// ProviderID is the upstream cloud provider's identifier, used for
	// lifecycle polling.
	ProviderID      string
	BackupTier      BackupTier
	State           LifecycleState
	StateObservedAt time.Time
	CreatedAt       time.Time
	// LastBilledAt is the watermark: the boundary up to which the instance
	// is confirmed billed. Nil until the first successful cycle. Once set
	// it is monotonically non-decreasing.
	LastBilledAt *time.Time
	// DeletedAt is set when the provider first reports the instance gone.
	// Accrual is clamped to this timestamp.
	DeletedAt *time.Time
}

// CycleStatus is the state of one attempted charge.
type CycleStatus string

const (
	CyclePending  CycleStatus = "pending"
	CycleBilled   CycleStatus = "billed"
	CycleFailed   CycleStatus = "failed"
	CycleRefunded CycleStatus = "refunded"
)

// BillingCycle is one attempted charge for one instance covering
// [PeriodStart, PeriodEnd). Cycles for a given instance are contiguous and
// non-overlapping; PeriodStart is always derived from the watermark.
type BillingCycle struct {
	ID          uuid.UUID
	InstanceID  uuid.UUID
	AccountID   uuid.UUID
	PeriodStart time.Time
	PeriodEnd   time.Time
	HourlyRate  decimal.Decimal
	Amount      decimal.Decimal
	Status      CycleStatus
	LedgerTxnID *uuid.UUID
	FailReason  string
	CreatedAt   time.Time
}

// LeaseOutcome is the result of an executor's last sweep attempt.
type LeaseOutcome string

const (
	OutcomeSuccess LeaseOutcome = "success"
	OutcomeFailure LeaseOutcome = "failure"
)

// LeaseRecord is one row per named sweep executor. Upserted on every
// heartbeat and never deleted; an executor is live while the heartbeat is
// younger than the lease window.
type LeaseRecord struct {
	Executor        string
	LastHeartbeat   time.Time
	LastOutcome     LeaseOutcome
	InstancesBilled int
	TotalAmount     decimal.Decimal
}
