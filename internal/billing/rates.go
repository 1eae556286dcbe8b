package billing

import (
	"context"
	"fmt"

	"github.com/nimbushost/panel/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Daily backups multiply the backup component relative to weekly.
var dailyBackupFactor = decimal.NewFromFloat(1.5)

var oneHundred = decimal.NewFromInt(100)

// Resolver computes an instance's effective hourly rate from the plan's
// base price, the reseller markup, and the backup surcharge. Pure with
// respect to instance state; the only failure mode is a missing or inactive
// plan.
type Resolver struct {
	plans  PlanSource
	logger *zap.Logger
}

// NewResolver creates a rate resolver over the given plan source.
func NewResolver(plans PlanSource, logger *zap.Logger) *Resolver {
	return &Resolver{plans: plans, logger: logger}
}

// Resolve returns the effective hourly rate for the instance.
func (r *Resolver) Resolve(ctx context.Context, inst models.Instance) (decimal.Decimal, error) {
	plan, err := r.plans.Plan(ctx, inst.PlanID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load plan %s: %w", inst.PlanID, err)
	}
	if plan == nil || !plan.Active {
		r.logger.Warn("instance references unavailable plan",
			zap.String("instance_id", inst.ID.String()),
			zap.String("plan_id", inst.PlanID.String()),
		)
		return decimal.Zero, ErrPlanUnavailable
	}

	backup := decimal.Zero
	switch inst.BackupTier {
	case models.BackupWeekly:
		backup = plan.BackupHourly
	case models.BackupDaily:
		backup = plan.BackupHourly.Mul(dailyBackupFactor)
	}

	markup := decimal.NewFromInt(1).Add(plan.MarkupPercent.Div(oneHundred))
	return plan.BaseHourly.Add(backup).Mul(markup), nil
}
