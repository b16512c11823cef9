package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/pkg/schema"
)

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, StreamEvent{
		ExecutionID: "ex-1",
		NodeID:      "classify",
		EventType:   schema.EventNodeCompleted,
	}))

	select {
	case e := <-ch:
		assert.Equal(t, "ex-1", e.ExecutionID)
		assert.Equal(t, schema.EventNodeCompleted, e.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryHub_FilterByExecution(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{ExecutionID: "ex-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, StreamEvent{ExecutionID: "ex-2", EventType: schema.EventNodeStarted}))
	require.NoError(t, h.Publish(ctx, StreamEvent{ExecutionID: "ex-1", EventType: schema.EventNodeStarted}))

	select {
	case e := <-ch:
		assert.Equal(t, "ex-1", e.ExecutionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	assert.Empty(t, ch)
}

func TestMemoryHub_FilterByEventType(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{EventTypes: []string{schema.EventExecutionCompleted}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, StreamEvent{ExecutionID: "ex-1", EventType: schema.EventNodeStarted}))
	require.NoError(t, h.Publish(ctx, StreamEvent{ExecutionID: "ex-1", EventType: schema.EventExecutionCompleted}))

	select {
	case e := <-ch:
		assert.Equal(t, schema.EventExecutionCompleted, e.EventType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryHub_CancelUnsubscribes(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, h.Publish(ctx, StreamEvent{ExecutionID: "ex-1", EventType: schema.EventNodeStarted}))
	assert.Empty(t, ch)
}

func TestMemoryHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := h.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Overflow the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range defaultChannelBuffer + 10 {
			_ = h.Publish(ctx, StreamEvent{ExecutionID: "ex-1", EventType: schema.EventNodeStarted})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
