package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPublishAndWaitDeliversToAllHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var calls int32
	bus.Subscribe(EventCycleBilled, func(ctx context.Context, event Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	bus.Subscribe(EventCycleBilled, func(ctx context.Context, event Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	err := bus.PublishAndWait(context.Background(), NewEvent(EventCycleBilled, "acct-1", nil))
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPublishAndWaitReturnsHandlerError(t *testing.T) {
	bus := NewBus(zap.NewNop())
	bus.Subscribe(EventInsufficientFunds, func(ctx context.Context, event Event) error {
		return errors.New("delivery failed")
	})

	err := bus.PublishAndWait(context.Background(), NewEvent(EventInsufficientFunds, "acct-1", nil))
	require.Error(t, err)
}

func TestPublishSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus(zap.NewNop())

	done := make(chan struct{})
	bus.Subscribe(EventSweepCompleted, func(ctx context.Context, event Event) error {
		defer close(done)
		panic("handler bug")
	})

	// Must not propagate to the publisher.
	bus.Publish(context.Background(), NewEvent(EventSweepCompleted, "", nil))
	<-done
}

func TestUnsubscribeRemovesHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var calls int32
	bus.Subscribe(EventInstanceDeleted, func(ctx context.Context, event Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	bus.Unsubscribe(EventInstanceDeleted)

	require.NoError(t, bus.PublishAndWait(context.Background(), NewEvent(EventInstanceDeleted, "", nil)))
	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}
