package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// DefaultMonitorInterval is how often the timeout monitor scans RUNNING records.
const DefaultMonitorInterval = 10 * time.Second

// Monitor periodically scans RUNNING agent executions and forces the TIMEOUT
// transition on records older than their deadline. It is the only component
// allowed to terminate a record without a caller request. The guarded store
// transition makes re-scanning an already-terminal record a no-op, so a
// record transitions to TIMEOUT exactly once no matter how often it is seen.
type Monitor struct {
	store    store.Store
	events   *store.EventLog
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a Monitor. Interval <= 0 falls back to DefaultMonitorInterval.
func NewMonitor(s store.Store, events *store.EventLog, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:    s,
		events:   events,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the background scan loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return fmt.Errorf("timeout monitor already started")
	}

	monCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(monCtx)
	m.logger.Info("agent timeout monitor started", slog.Duration("interval", m.interval))
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Run an initial scan immediately.
	m.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan runs a single pass over RUNNING records and times out the expired ones.
// Exported so startup recovery and tests can invoke it directly.
func (m *Monitor) Scan(ctx context.Context) {
	running := schema.AgentExecRunning
	records, err := m.store.ListAgentExecutions(ctx, store.AgentExecutionFilter{Status: &running})
	if err != nil {
		m.logger.Error("failed to list running agent executions", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, rec := range records {
		if rec.StartedAt == nil || rec.TimeoutSec <= 0 {
			continue
		}
		deadline := rec.StartedAt.Add(time.Duration(rec.TimeoutSec) * time.Second)
		if now.Before(deadline) {
			continue
		}

		msg := fmt.Sprintf("agent execution exceeded timeout of %ds", rec.TimeoutSec)
		ok, err := m.store.TransitionAgentExecution(ctx, rec.ID,
			schema.AgentExecRunning, schema.AgentExecTimeout,
			store.AgentExecutionUpdate{Error: &msg, CompletedAt: &now})
		if err != nil {
			m.logger.Error("failed to time out agent execution",
				slog.String("agent_execution_id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			// Lost the race to completion or cancellation.
			continue
		}

		m.logger.Warn("agent execution timed out",
			slog.String("agent_execution_id", rec.ID),
			slog.String("agent_id", rec.AgentID),
			slog.Int("timeout_sec", rec.TimeoutSec),
		)
		if m.events != nil && rec.ExecutionID != "" {
			_ = m.events.Emit(ctx, rec.ExecutionID, rec.NodeID, schema.EventAgentExecTimedOut,
				map[string]any{"agent_execution_id": rec.ID, "error": msg})
		}
	}
}

// Stop gracefully shuts down the monitor.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel == nil {
		return nil
	}

	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil

	m.logger.Info("agent timeout monitor stopped")
	return nil
}
