package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/models"
)

// PgInstanceStore reads the billing-relevant view of instances.
type PgInstanceStore struct {
	db *database.Database
}

// NewPgInstanceStore creates an instance store over the given database.
func NewPgInstanceStore(db *database.Database) *PgInstanceStore {
	return &PgInstanceStore{db: db}
}

// ListBillable returns instances with unbilled time, oldest watermark first
// so backlog growth stays bounded when a sweep is capped. Provisioning
// instances are excluded outright; soft-deleted instances are included only
// while an unbilled tail remains before their deletion timestamp.
func (s *PgInstanceStore) ListBillable(ctx context.Context, limit int) ([]models.Instance, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, account_id, plan_id, provider_id, backup_tier,
		       lifecycle_state, state_observed_at, created_at,
		       last_billed_at, deleted_at
		FROM instances
		WHERE lifecycle_state != 'provisioning'
		  AND (deleted_at IS NULL
		       OR deleted_at > COALESCE(last_billed_at, created_at))
		ORDER BY COALESCE(last_billed_at, created_at) ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query billable instances: %w", err)
	}
	defer rows.Close()

	var insts []models.Instance
	for rows.Next() {
		var inst models.Instance
		if err := rows.Scan(
			&inst.ID, &inst.AccountID, &inst.PlanID, &inst.ProviderID,
			&inst.BackupTier, &inst.State, &inst.StateObservedAt,
			&inst.CreatedAt, &inst.LastBilledAt, &inst.DeletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		insts = append(insts, inst)
	}
	return insts, rows.Err()
}

// PgPlanStore reads plan pricing. The plans table is owned by the catalog;
// this core never writes it.
type PgPlanStore struct {
	db *database.Database
}

// NewPgPlanStore creates a plan store over the given database.
func NewPgPlanStore(db *database.Database) *PgPlanStore {
	return &PgPlanStore{db: db}
}

// Plan returns the plan pricing row, or (nil, nil) when it does not exist.
func (s *PgPlanStore) Plan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	var plan models.Plan
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id, name, base_hourly, backup_hourly, markup_percent, active
		FROM plans
		WHERE id = $1
	`, id).Scan(&plan.ID, &plan.Name, &plan.BaseHourly,
		&plan.BackupHourly, &plan.MarkupPercent, &plan.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query plan: %w", err)
	}
	return &plan, nil
}
