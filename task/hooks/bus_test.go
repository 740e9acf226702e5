package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()

	var got1, got2 []EventType
	_, err := bus.Register(SubscriberFunc(func(_ context.Context, e Event) error {
		got1 = append(got1, e.Type())
		return nil
	}))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(_ context.Context, e Event) error {
		got2 = append(got2, e.Type())
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewTaskAddedEvent("t1", "title", "manual")))

	assert.Equal(t, []EventType{EventTaskAdded}, got1)
	assert.Equal(t, []EventType{EventTaskAdded}, got2)
}

func TestBusRegisterFilteredOnlyReceivesMatchingTypes(t *testing.T) {
	bus := NewBus()

	var got []EventType
	_, err := bus.RegisterFiltered([]EventType{EventTaskStepStarted, EventTaskStepCompleted}, SubscriberFunc(func(_ context.Context, e Event) error {
		got = append(got, e.Type())
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewTaskAddedEvent("t1", "title", "manual")))
	require.NoError(t, bus.Publish(context.Background(), NewTaskStepStartedEvent("t1", "s1", false)))
	require.NoError(t, bus.Publish(context.Background(), NewTaskStepCompletedEvent("t1", "s1", "verified")))

	assert.Equal(t, []EventType{EventTaskStepStarted, EventTaskStepCompleted}, got)
}

func TestBusPublishStopsAtFirstSubscriberError(t *testing.T) {
	bus := NewBus()

	boom := errors.New("boom")
	var secondCalled bool
	_, err := bus.Register(SubscriberFunc(func(_ context.Context, e Event) error {
		return boom
	}))
	require.NoError(t, err)
	_, err = bus.Register(SubscriberFunc(func(_ context.Context, e Event) error {
		secondCalled = true
		return nil
	}))
	require.NoError(t, err)

	err = bus.Publish(context.Background(), NewTaskAddedEvent("t1", "title", "manual"))
	assert.Equal(t, boom, err)
	assert.False(t, secondCalled)
}

func TestSubscriptionCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	bus := NewBus()

	var count int
	sub, err := bus.Register(SubscriberFunc(func(_ context.Context, e Event) error {
		count++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), NewTaskAddedEvent("t1", "title", "manual")))
	assert.Equal(t, 1, count)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	require.NoError(t, bus.Publish(context.Background(), NewTaskAddedEvent("t1", "title", "manual")))
	assert.Equal(t, 1, count)
}
