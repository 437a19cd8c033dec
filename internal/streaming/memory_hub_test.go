package streaming

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "i-1", EventType: "instance.started"}))

	for _, ch := range []<-chan StreamEvent{ch1, ch2} {
		ev := <-ch
		assert.Equal(t, "i-1", ev.InstanceID)
		assert.Equal(t, "instance.started", ev.EventType)
	}
}

func TestSubscribeFiltersByInstance(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{InstanceID: "i-2"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "i-1", EventType: "step.completed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "i-2", EventType: "step.completed"}))

	ev := <-ch
	assert.Equal(t, "i-2", ev.InstanceID)
	assert.Empty(t, ch)
}

func TestSubscribeFiltersByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"approval.requested", "approval.resolved"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "i-1", EventType: "step.assigned"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "i-1", EventType: "approval.resolved"}))

	ev := <-ch
	assert.Equal(t, "approval.resolved", ev.EventType)
	assert.Empty(t, ch)
}

func TestSubscribeFiltersByStep(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{InstanceID: "i-1", StepID: "repair"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "i-1", StepID: "assess", EventType: "step.completed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "i-1", StepID: "repair", EventType: "step.completed"}))

	ev := <-ch
	assert.Equal(t, "repair", ev.StepID)
	assert.Empty(t, ch)
}

func TestCancelUnsubscribes(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "i-1", EventType: "instance.completed"}))
	assert.Empty(t, ch)
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Never read: overflow past the channel buffer must not block Publish.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{InstanceID: "i-1", EventType: "step.completed"}))
	}
	assert.Len(t, ch, defaultChannelBuffer)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestSubscribeAndPublishHonorContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)

	err = hub.Publish(ctx, StreamEvent{InstanceID: "i-1", EventType: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
