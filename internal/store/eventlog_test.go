package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/pkg/schema"
)

func TestEventLog_AppendAssignsSequence(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	execID := uuid.New().String()

	for i := range 3 {
		e := &Event{
			ExecutionID: execID,
			Type:        schema.EventNodeStarted,
			Payload:     json.RawMessage(`{}`),
		}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_GetEventsSince(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	execID := uuid.New().String()

	types := []string{schema.EventExecutionStarted, schema.EventNodeStarted, schema.EventNodeCompleted}
	for _, typ := range types {
		require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: execID, Type: typ}))
	}

	events, err := el.GetEvents(ctx, execID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventNodeStarted, events[0].Type)
	assert.Equal(t, schema.EventNodeCompleted, events[1].Type)
}

func TestEventLog_PerExecutionSequences(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	execA := uuid.New().String()
	execB := uuid.New().String()

	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: execA, Type: schema.EventExecutionStarted}))
	eB := &Event{ExecutionID: execB, Type: schema.EventExecutionStarted}
	require.NoError(t, el.AppendEvent(ctx, eB))

	// Each execution has its own sequence counter.
	assert.Equal(t, int64(1), eB.Sequence)
}

func TestEventLog_ConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	execID := uuid.New().String()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = el.AppendEvent(ctx, &Event{ExecutionID: execID, Type: schema.EventNodeCompleted})
		}(i)
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
	}

	events, err := el.GetEvents(ctx, execID, 0)
	require.NoError(t, err)
	require.Len(t, events, n)

	// Sequences must be contiguous with no duplicates.
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLog_Emit(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	execID := uuid.New().String()

	require.NoError(t, el.Emit(ctx, execID, "classify", schema.EventNodeCompleted,
		map[string]any{"label": "refund"}))

	events, err := el.GetEventsByType(ctx, schema.EventNodeCompleted, EventFilter{ExecutionID: execID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "classify", events[0].NodeID)
	assert.JSONEq(t, `{"label": "refund"}`, string(events[0].Payload))
}
