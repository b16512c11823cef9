package agents

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/ratelimit"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.NewLimiter(100, time.Minute)
	require.NoError(t, err)
	return l
}

func seedAgent(t *testing.T, s store.Store, id string) {
	t.Helper()
	require.NoError(t, s.RegisterAgent(context.Background(), &schema.AgentSpec{
		ID:     id,
		Name:   "Test Agent",
		Model:  "large-v3",
		Status: "active",
	}))
}

func echoCaller(delay time.Duration) ModelCaller {
	return CallerFunc(func(ctx context.Context, agent *schema.AgentSpec, params json.RawMessage) (json.RawMessage, error) {
		select {
		case <-time.After(delay):
			return json.RawMessage(`{"echo": true}`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func waitForTerminal(t *testing.T, lc *Lifecycle, id string) *store.AgentExecution {
	t.Helper()
	var rec *store.AgentExecution
	require.Eventually(t, func() bool {
		var err error
		rec, err = lc.GetStatus(context.Background(), id)
		return err == nil && rec.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func TestLifecycle_StartIsNonBlocking(t *testing.T) {
	s := newTestStore(t)
	seedAgent(t, s, "a1")
	lc := NewLifecycle(s, nil, newTestLimiter(t), echoCaller(200*time.Millisecond), nil)

	begin := time.Now()
	rec, err := lc.Start(context.Background(), StartRequest{AgentID: "a1"})
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 150*time.Millisecond, "Start must not wait for the model call")
	assert.Equal(t, schema.AgentExecPending, rec.Status)

	final := waitForTerminal(t, lc, rec.ID)
	assert.Equal(t, schema.AgentExecCompleted, final.Status)
	assert.JSONEq(t, `{"echo": true}`, string(final.Output))
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
}

func TestLifecycle_Start_UnknownAgent(t *testing.T) {
	s := newTestStore(t)
	lc := NewLifecycle(s, nil, newTestLimiter(t), echoCaller(0), nil)

	_, err := lc.Start(context.Background(), StartRequest{AgentID: "ghost"})
	require.Error(t, err)
	cfErr, ok := err.(*schema.ChainflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, cfErr.Code)
}

func TestLifecycle_Start_InactiveAgent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RegisterAgent(context.Background(), &schema.AgentSpec{
		ID:     "dormant",
		Name:   "Dormant",
		Status: "disabled",
	}))
	lc := NewLifecycle(s, nil, newTestLimiter(t), echoCaller(0), nil)

	_, err := lc.Start(context.Background(), StartRequest{AgentID: "dormant"})
	require.Error(t, err)
	cfErr, ok := err.(*schema.ChainflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, cfErr.Code)
}

func TestLifecycle_ModelError(t *testing.T) {
	s := newTestStore(t)
	seedAgent(t, s, "a1")
	failing := CallerFunc(func(ctx context.Context, agent *schema.AgentSpec, params json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("model unavailable")
	})
	lc := NewLifecycle(s, nil, newTestLimiter(t), failing, nil)

	rec, err := lc.Start(context.Background(), StartRequest{AgentID: "a1"})
	require.NoError(t, err)

	final := waitForTerminal(t, lc, rec.ID)
	assert.Equal(t, schema.AgentExecFailed, final.Status)
	assert.Contains(t, final.Error, "model unavailable")
}

func TestLifecycle_Timeout(t *testing.T) {
	s := newTestStore(t)
	seedAgent(t, s, "a1")
	lc := NewLifecycle(s, nil, newTestLimiter(t), echoCaller(10*time.Second), nil)

	rec, err := lc.Start(context.Background(), StartRequest{
		AgentID: "a1",
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	final := waitForTerminal(t, lc, rec.ID)
	assert.Equal(t, schema.AgentExecTimeout, final.Status)
}

func TestLifecycle_Cancel(t *testing.T) {
	s := newTestStore(t)
	seedAgent(t, s, "a1")
	lc := NewLifecycle(s, nil, newTestLimiter(t), echoCaller(10*time.Second), nil)

	rec, err := lc.Start(context.Background(), StartRequest{AgentID: "a1"})
	require.NoError(t, err)

	// Let it reach RUNNING before cancelling.
	require.Eventually(t, func() bool {
		got, err := lc.GetStatus(context.Background(), rec.ID)
		return err == nil && got.Status == schema.AgentExecRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, lc.Cancel(context.Background(), rec.ID))

	final := waitForTerminal(t, lc, rec.ID)
	assert.Equal(t, schema.AgentExecCancelled, final.Status)
}

func TestLifecycle_CancelTerminalIsNoop(t *testing.T) {
	s := newTestStore(t)
	seedAgent(t, s, "a1")
	lc := NewLifecycle(s, nil, newTestLimiter(t), echoCaller(0), nil)

	rec, err := lc.Start(context.Background(), StartRequest{AgentID: "a1"})
	require.NoError(t, err)
	waitForTerminal(t, lc, rec.ID)

	require.NoError(t, lc.Cancel(context.Background(), rec.ID))

	final, err := lc.GetStatus(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.AgentExecCompleted, final.Status)
}

func TestLifecycle_Cancel_NotFound(t *testing.T) {
	s := newTestStore(t)
	lc := NewLifecycle(s, nil, newTestLimiter(t), echoCaller(0), nil)

	err := lc.Cancel(context.Background(), "ghost")
	require.Error(t, err)
}
