package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/store"
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

type fakeRunner struct {
	mu    sync.Mutex
	runs  []string
	input map[string]any
	err   error
}

func (f *fakeRunner) Execute(_ context.Context, chainID string, input map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.runs = append(f.runs, chainID)
	f.input = input
	return "exec-" + chainID, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func seedSchedule(t *testing.T, s store.Store, id string, nextRun *time.Time, enabled bool) {
	t.Helper()
	require.NoError(t, s.CreateSchedule(context.Background(), &store.Schedule{
		ID:             id,
		ChainID:        "chain-1",
		CronExpression: "*/5 * * * *",
		Input:          json.RawMessage(`{"source": "cron"}`),
		Enabled:        enabled,
		NextRunAt:      nextRun,
		CreatedAt:      time.Now().UTC(),
	}))
}

func TestScheduler_Tick_RunsDueSchedules(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{}
	sched := NewScheduler(s, runner, nil, nil)

	past := time.Now().UTC().Add(-time.Minute)
	seedSchedule(t, s, "due", &past, true)

	sched.Tick(context.Background())

	assert.Equal(t, 1, runner.count())
	assert.Equal(t, map[string]any{"source": "cron"}, runner.input)

	// Timestamps advanced and the outcome was recorded.
	got, err := s.GetSchedule(context.Background(), "due")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
	assert.Equal(t, "success", got.LastRunStatus)
}

func TestScheduler_Tick_SkipsFutureAndDisabled(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{}
	sched := NewScheduler(s, runner, nil, nil)

	future := time.Now().UTC().Add(time.Hour)
	past := time.Now().UTC().Add(-time.Minute)
	seedSchedule(t, s, "future", &future, true)
	seedSchedule(t, s, "disabled", &past, false)

	sched.Tick(context.Background())

	assert.Equal(t, 0, runner.count())
}

func TestScheduler_Tick_NilNextRunIsDue(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{}
	sched := NewScheduler(s, runner, nil, nil)

	seedSchedule(t, s, "fresh", nil, true)

	sched.Tick(context.Background())

	assert.Equal(t, 1, runner.count())
}

func TestScheduler_Tick_RecordsFailure(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{err: errors.New("engine unavailable")}
	sched := NewScheduler(s, runner, nil, nil)

	past := time.Now().UTC().Add(-time.Minute)
	seedSchedule(t, s, "failing", &past, true)

	sched.Tick(context.Background())

	got, err := s.GetSchedule(context.Background(), "failing")
	require.NoError(t, err)
	assert.Equal(t, "error", got.LastRunStatus)
	require.NotNil(t, got.NextRunAt, "a failed run still schedules the next one")
}

func TestScheduler_CalculateNextRun(t *testing.T) {
	sched := NewScheduler(newTestStore(t), &fakeRunner{}, nil, nil)

	from := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	next, err := sched.CalculateNextRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("not a cron", from)
	require.Error(t, err)
}

func TestScheduler_RecoverMissed(t *testing.T) {
	s := newTestStore(t)
	runner := &fakeRunner{}
	sched := NewScheduler(s, runner, nil, nil)

	missed := time.Now().UTC().Add(-2 * time.Hour)
	seedSchedule(t, s, "missed", &missed, true)

	require.NoError(t, sched.RecoverMissed(context.Background()))
	assert.Equal(t, 1, runner.count())

	// Recovered once, not repeatedly.
	got, err := s.GetSchedule(context.Background(), "missed")
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestScheduler_StartStop(t *testing.T) {
	s := newTestStore(t)
	sched := NewScheduler(s, &fakeRunner{}, nil, nil)

	require.NoError(t, sched.Start(context.Background()))
	require.Error(t, sched.Start(context.Background()), "double start must fail")
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop(), "stop is idempotent")
}
