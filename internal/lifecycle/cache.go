// Package lifecycle tracks each instance's last provider-reported state.
// The sweep engine never blocks on a live provider call: it reads the most
// recent observation from Redis, falling back to the instance row the
// poller keeps refreshed.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/nimbushost/panel/pkg/cache"
	"github.com/nimbushost/panel/pkg/models"
	"go.uber.org/zap"
)

// Observation is one provider-reported state at a point in time.
type Observation struct {
	State      models.LifecycleState `json:"state"`
	ObservedAt time.Time             `json:"observed_at"`
}

// StateCache keeps the hot copy of lifecycle observations in Redis.
type StateCache struct {
	cache  *cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewStateCache creates a state cache with the given TTL.
func NewStateCache(c *cache.Cache, ttl time.Duration, logger *zap.Logger) *StateCache {
	return &StateCache{cache: c, ttl: ttl, logger: logger}
}

func stateKey(instanceID uuid.UUID) string {
	return "lifecycle:" + instanceID.String()
}

// Put stores an observation for an instance.
func (sc *StateCache) Put(ctx context.Context, instanceID uuid.UUID, obs Observation) error {
	raw, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("failed to marshal observation: %w", err)
	}
	if err := sc.cache.Set(ctx, stateKey(instanceID), raw, sc.ttl); err != nil {
		return fmt.Errorf("failed to cache observation: %w", err)
	}
	return nil
}

// State returns the most recent observation for the instance. On a cache
// miss or Redis failure it falls back to the instance row's state, which
// the poller refreshes out-of-band, so the sweep engine always gets an
// answer without touching the provider.
func (sc *StateCache) State(ctx context.Context, inst models.Instance) (models.LifecycleState, time.Time, error) {
	raw, err := sc.cache.Get(ctx, stateKey(inst.ID))
	if err == nil {
		var obs Observation
		if err := json.Unmarshal([]byte(raw), &obs); err == nil {
			return obs.State, obs.ObservedAt, nil
		}
		sc.logger.Warn("corrupt cached observation, falling back to instance row",
			zap.String("instance_id", inst.ID.String()),
		)
	} else if !errors.Is(err, redis.Nil) {
		sc.logger.Warn("lifecycle cache read failed, falling back to instance row",
			zap.String("instance_id", inst.ID.String()),
			zap.Error(err),
		)
	}
	return inst.State, inst.StateObservedAt, nil
}
