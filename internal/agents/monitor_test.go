package agents

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// seedRunning inserts a RUNNING record whose deadline expired `age` ago.
func seedRunning(t *testing.T, s store.Store, timeoutSec int, age time.Duration) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.New().String()
	require.NoError(t, s.CreateAgentExecution(ctx, &store.AgentExecution{
		ID:         id,
		AgentID:    "a1",
		Status:     schema.AgentExecPending,
		TimeoutSec: timeoutSec,
	}))
	started := time.Now().UTC().Add(-age)
	ok, err := s.TransitionAgentExecution(ctx, id,
		schema.AgentExecPending, schema.AgentExecRunning,
		store.AgentExecutionUpdate{StartedAt: &started})
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func TestMonitor_TimesOutExpiredRecord(t *testing.T) {
	s := newTestStore(t)
	m := NewMonitor(s, nil, time.Minute, nil)
	ctx := context.Background()

	id := seedRunning(t, s, 1, 5*time.Second)
	m.Scan(ctx)

	got, err := s.GetAgentExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.AgentExecTimeout, got.Status)
	assert.Contains(t, got.Error, "timeout")
	assert.NotNil(t, got.CompletedAt)
}

func TestMonitor_LeavesFreshRecordAlone(t *testing.T) {
	s := newTestStore(t)
	m := NewMonitor(s, nil, time.Minute, nil)
	ctx := context.Background()

	id := seedRunning(t, s, 600, time.Second)
	m.Scan(ctx)

	got, err := s.GetAgentExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.AgentExecRunning, got.Status)
}

func TestMonitor_RescanIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	m := NewMonitor(s, nil, time.Minute, nil)
	ctx := context.Background()

	id := seedRunning(t, s, 1, 5*time.Second)
	m.Scan(ctx)

	first, err := s.GetAgentExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, schema.AgentExecTimeout, first.Status)

	m.Scan(ctx)

	second, err := s.GetAgentExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.AgentExecTimeout, second.Status)
	assert.Equal(t, first.CompletedAt, second.CompletedAt, "terminal record must not be touched again")
}

func TestMonitor_DoesNotTouchCompleted(t *testing.T) {
	s := newTestStore(t)
	m := NewMonitor(s, nil, time.Minute, nil)
	ctx := context.Background()

	id := seedRunning(t, s, 1, 5*time.Second)
	now := time.Now().UTC()
	ok, err := s.TransitionAgentExecution(ctx, id,
		schema.AgentExecRunning, schema.AgentExecCompleted,
		store.AgentExecutionUpdate{CompletedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)

	m.Scan(ctx)

	got, err := s.GetAgentExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.AgentExecCompleted, got.Status)
}

func TestMonitor_StartStop(t *testing.T) {
	s := newTestStore(t)
	m := NewMonitor(s, nil, 50*time.Millisecond, nil)

	require.NoError(t, m.Start(context.Background()))
	require.Error(t, m.Start(context.Background()), "double start must fail")
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop(), "stop is idempotent")
}
