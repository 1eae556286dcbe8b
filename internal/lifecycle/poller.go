package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimbushost/panel/pkg/database"
	"github.com/nimbushost/panel/pkg/events"
	"github.com/nimbushost/panel/pkg/metrics"
	"github.com/nimbushost/panel/pkg/models"
	"go.uber.org/zap"
)

// ProviderClient is the external capability this core consumes: given a
// provider instance id, return its current lifecycle state.
type ProviderClient interface {
	InstanceState(ctx context.Context, providerID string) (models.LifecycleState, error)
}

// Poller refreshes the lifecycle state of every non-deleted instance from
// the provider on a timer, writing each observation to the instance row
// (the durable copy) and to the Redis cache (the hot copy).
type Poller struct {
	db       *database.Database
	cache    *StateCache
	provider ProviderClient
	bus      *events.Bus
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
}

// NewPoller creates a lifecycle poller.
func NewPoller(db *database.Database, cache *StateCache, provider ProviderClient, bus *events.Bus, logger *zap.Logger, interval time.Duration) *Poller {
	return &Poller{
		db:       db,
		cache:    cache,
		provider: provider,
		bus:      bus,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("starting lifecycle poller", zap.Duration("interval", p.interval))
	go p.loop(ctx)
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Run immediately on start
	p.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

type polledInstance struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	ProviderID string
	State      models.LifecycleState
}

func (p *Poller) pollOnce(ctx context.Context) {
	insts, err := p.listActive(ctx)
	if err != nil {
		p.logger.Error("failed to list instances for polling", zap.Error(err))
		return
	}

	counts := make(map[models.LifecycleState]int)
	for _, inst := range insts {
		state, err := p.provider.InstanceState(ctx, inst.ProviderID)
		if err != nil {
			metrics.LifecyclePollErrors.Inc()
			p.logger.Warn("provider poll failed",
				zap.String("instance_id", inst.ID.String()),
				zap.String("provider_id", inst.ProviderID),
				zap.Error(err),
			)
			continue
		}
		counts[state]++

		if err := p.recordObservation(ctx, inst, state); err != nil {
			p.logger.Error("failed to record observation",
				zap.String("instance_id", inst.ID.String()),
				zap.Error(err),
			)
		}
	}

	for state, n := range counts {
		metrics.LifecycleStateGauge.WithLabelValues(string(state)).Set(float64(n))
	}
}

func (p *Poller) listActive(ctx context.Context) ([]polledInstance, error) {
	rows, err := p.db.Pool.Query(ctx, `
		SELECT id, account_id, provider_id, lifecycle_state
		FROM instances
		WHERE lifecycle_state != 'deleted'
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var insts []polledInstance
	for rows.Next() {
		var inst polledInstance
		if err := rows.Scan(&inst.ID, &inst.AccountID, &inst.ProviderID, &inst.State); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		insts = append(insts, inst)
	}
	return insts, rows.Err()
}

// recordObservation persists the observed state. The first observation of
// deleted also stamps deleted_at, which bounds the instance's final
// accrual; billing stops there while historical cycles are retained.
func (p *Poller) recordObservation(ctx context.Context, inst polledInstance, state models.LifecycleState) error {
	observedAt := p.now()

	if state == models.StateDeleted {
		_, err := p.db.Pool.Exec(ctx, `
			UPDATE instances
			SET lifecycle_state = $2, state_observed_at = $3,
			    deleted_at = COALESCE(deleted_at, $3)
			WHERE id = $1
		`, inst.ID, state, observedAt)
		if err != nil {
			return fmt.Errorf("failed to update instance state: %w", err)
		}
	} else {
		_, err := p.db.Pool.Exec(ctx, `
			UPDATE instances
			SET lifecycle_state = $2, state_observed_at = $3
			WHERE id = $1
		`, inst.ID, state, observedAt)
		if err != nil {
			return fmt.Errorf("failed to update instance state: %w", err)
		}
	}

	if err := p.cache.Put(ctx, inst.ID, Observation{State: state, ObservedAt: observedAt}); err != nil {
		// The durable copy is already updated; the cache will catch up on
		// the next poll.
		p.logger.Warn("failed to cache observation",
			zap.String("instance_id", inst.ID.String()),
			zap.Error(err),
		)
	}

	if state != inst.State {
		p.logger.Info("instance lifecycle changed",
			zap.String("instance_id", inst.ID.String()),
			zap.String("from", string(inst.State)),
			zap.String("to", string(state)),
		)
		eventType := events.EventLifecycleChanged
		if state == models.StateDeleted {
			eventType = events.EventInstanceDeleted
		}
		p.bus.Publish(ctx, events.NewEvent(eventType, inst.AccountID.String(), map[string]interface{}{
			"instance_id": inst.ID.String(),
			"from":        string(inst.State),
			"to":          string(state),
		}))
	}
	return nil
}
