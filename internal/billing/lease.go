package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/metrics"
	"github.com/nimbushost/panel/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EmbeddedExecutor is the identity of the sweep executor ticking inside the
// API process. Any other identity is a standalone daemon and outranks it.
const EmbeddedExecutor = "embedded"

// Coordinator arbitrates which executor performs billing on a given tick.
// It is a lease, not a lock: after a daemon crash there is a window of up
// to the lease duration where nobody bills, which is the accepted trade-off
// — a delayed tick is recovered in full by the watermark, a double charge
// is not.
type Coordinator struct {
	store  LeaseStore
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewCoordinator creates a lease coordinator with the given lease window.
func NewCoordinator(store LeaseStore, window time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// ShouldRun reports whether the executor may perform a sweep now. A
// standalone daemon always runs: its deployment signals operator intent to
// be authoritative. The embedded scheduler runs only while no non-embedded
// executor has a live heartbeat.
func (c *Coordinator) ShouldRun(ctx context.Context, executor string) (bool, error) {
	if executor != EmbeddedExecutor {
		return true, nil
	}

	records, err := c.store.List(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list lease records: %w", err)
	}

	now := c.now()
	run := true
	for _, rec := range records {
		live := now.Sub(rec.LastHeartbeat) < c.window
		if live {
			metrics.ExecutorLive.WithLabelValues(rec.Executor).Set(1)
		} else {
			metrics.ExecutorLive.WithLabelValues(rec.Executor).Set(0)
		}
		if live && rec.Executor != EmbeddedExecutor {
			c.logger.Debug("standalone daemon is live, embedded scheduler defers",
				zap.String("daemon", rec.Executor),
				zap.Duration("heartbeat_age", now.Sub(rec.LastHeartbeat)),
			)
			run = false
		}
	}
	return run, nil
}

// Heartbeat upserts the executor's lease record. Written unconditionally
// after every attempted sweep, including no-op ticks, so staleness
// detection stays accurate. The upsert is idempotent per executor identity;
// no locking is needed.
func (c *Coordinator) Heartbeat(ctx context.Context, executor string, outcome models.LeaseOutcome, billed int, total decimal.Decimal) error {
	rec := models.LeaseRecord{
		Executor:        executor,
		LastHeartbeat:   c.now(),
		LastOutcome:     outcome,
		InstancesBilled: billed,
		TotalAmount:     total,
	}
	if err := c.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// PgLeaseStore persists lease records in the billing_leases table, one row
// per executor identity. Rows are never deleted; stale rows are simply old.
type PgLeaseStore struct {
	db *database.Database
}

// NewPgLeaseStore creates a lease store over the given database.
func NewPgLeaseStore(db *database.Database) *PgLeaseStore {
	return &PgLeaseStore{db: db}
}

// List returns all lease records.
func (s *PgLeaseStore) List(ctx context.Context) ([]models.LeaseRecord, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT executor, last_heartbeat, last_outcome, instances_billed, total_amount
		FROM billing_leases
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query lease records: %w", err)
	}
	defer rows.Close()

	var records []models.LeaseRecord
	for rows.Next() {
		var rec models.LeaseRecord
		if err := rows.Scan(&rec.Executor, &rec.LastHeartbeat, &rec.LastOutcome,
			&rec.InstancesBilled, &rec.TotalAmount); err != nil {
			return nil, fmt.Errorf("failed to scan lease record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Upsert writes the executor's heartbeat record.
func (s *PgLeaseStore) Upsert(ctx context.Context, rec models.LeaseRecord) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO billing_leases (
			executor, last_heartbeat, last_outcome, instances_billed, total_amount
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (executor)
		DO UPDATE SET
			last_heartbeat = EXCLUDED.last_heartbeat,
			last_outcome = EXCLUDED.last_outcome,
			instances_billed = EXCLUDED.instances_billed,
			total_amount = EXCLUDED.total_amount
	`, rec.Executor, rec.LastHeartbeat, rec.LastOutcome, rec.InstancesBilled, rec.TotalAmount)
	if err != nil {
		return fmt.Errorf("failed to upsert lease record: %w", err)
	}
	return nil
}
