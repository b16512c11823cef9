// Package agents owns the agent execution lifecycle: every model invocation
// is tracked as an AgentExecution record moving through
// PENDING -> RUNNING -> {COMPLETED | FAILED | CANCELLED | TIMEOUT}.
// All state transitions go through the store's guarded transition so no two
// writers can move the same record concurrently.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/ratelimit"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// DefaultTimeout bounds an agent execution when neither the request nor the
// agent spec sets one.
const DefaultTimeout = 300 * time.Second

// StartRequest describes a new agent invocation.
type StartRequest struct {
	AgentID     string
	ExecutionID string // owning chain execution, empty for standalone runs
	NodeID      string
	Params      json.RawMessage
	Timeout     time.Duration // 0 means agent spec timeout, then DefaultTimeout
}

// Lifecycle starts, tracks, and terminates agent executions. Start is
// non-blocking: the model call runs in a background goroutine and the caller
// observes progress through GetStatus.
type Lifecycle struct {
	store   store.Store
	events  *store.EventLog
	limiter *ratelimit.Limiter
	caller  ModelCaller
	logger  *slog.Logger

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
}

// NewLifecycle creates a Lifecycle. The event log is optional.
func NewLifecycle(s store.Store, events *store.EventLog, limiter *ratelimit.Limiter, caller ModelCaller, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:    s,
		events:   events,
		limiter:  limiter,
		caller:   caller,
		logger:   logger,
		inFlight: make(map[string]context.CancelFunc),
	}
}

// Start validates the agent, creates a PENDING record, and kicks off the
// invocation in the background. It returns as soon as the record exists.
func (l *Lifecycle) Start(ctx context.Context, req StartRequest) (*store.AgentExecution, error) {
	agent, err := l.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if !agent.Executable() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"agent %q is not executable (status %q)", agent.ID, agent.Status).
			WithDetails(map[string]any{"agent_id": agent.ID, "status": agent.Status})
	}

	timeout := req.Timeout
	if timeout <= 0 && agent.Timeout != "" {
		if d, err := time.ParseDuration(agent.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	rec := &store.AgentExecution{
		ID:          uuid.New().String(),
		AgentID:     agent.ID,
		ExecutionID: req.ExecutionID,
		NodeID:      req.NodeID,
		Status:      schema.AgentExecPending,
		Params:      req.Params,
		TimeoutSec:  int(timeout / time.Second),
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.store.CreateAgentExecution(ctx, rec); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create agent execution").WithCause(err)
	}

	// The invocation outlives the caller's context: only the per-execution
	// timeout and an explicit Cancel stop it.
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	runCtx = logging.WithAgentID(runCtx, agent.ID)
	if req.ExecutionID != "" {
		runCtx = logging.WithExecutionID(runCtx, req.ExecutionID)
	}

	l.mu.Lock()
	l.inFlight[rec.ID] = cancel
	l.mu.Unlock()

	go l.run(runCtx, cancel, rec.ID, agent, req.Params)

	return rec, nil
}

// GetStatus returns the current record for an agent execution.
func (l *Lifecycle) GetStatus(ctx context.Context, id string) (*store.AgentExecution, error) {
	return l.store.GetAgentExecution(ctx, id)
}

// Cancel requests termination of an agent execution. Cancelling a record
// that is already terminal is a no-op.
func (l *Lifecycle) Cancel(ctx context.Context, id string) error {
	now := time.Now().UTC()
	update := store.AgentExecutionUpdate{CompletedAt: &now}

	ok, err := l.store.TransitionAgentExecution(ctx, id,
		schema.AgentExecPending, schema.AgentExecCancelled, update)
	if err != nil {
		return err
	}
	if !ok {
		ok, err = l.store.TransitionAgentExecution(ctx, id,
			schema.AgentExecRunning, schema.AgentExecCancelled, update)
		if err != nil {
			return err
		}
	}

	if !ok {
		// Either terminal already or unknown: distinguish via a point read.
		if _, err := l.store.GetAgentExecution(ctx, id); err != nil {
			return err
		}
		return nil
	}

	l.stopInFlight(id)
	l.emit(ctx, id, schema.EventAgentExecCancelled, nil)
	return nil
}

// run drives one invocation to a terminal state. It is the only writer of
// the record besides Cancel and the timeout monitor, and every transition is
// guarded, so a result arriving after cancellation or timeout is discarded.
func (l *Lifecycle) run(ctx context.Context, cancel context.CancelFunc, id string, agent *schema.AgentSpec, params json.RawMessage) {
	defer cancel()
	defer l.stopInFlight(id)

	now := time.Now().UTC()
	ok, err := l.store.TransitionAgentExecution(ctx, id,
		schema.AgentExecPending, schema.AgentExecRunning,
		store.AgentExecutionUpdate{StartedAt: &now})
	if err != nil {
		l.logger.ErrorContext(ctx, "agent execution start transition failed", "error", err)
		return
	}
	if !ok {
		// Cancelled before it ever ran.
		return
	}
	l.emit(ctx, id, schema.EventAgentExecStarted, nil)

	// The rate limiter gates every outbound model call; waiting here counts
	// against the execution's timeout.
	if err := l.limiter.Acquire(ctx); err != nil {
		l.finishWithError(ctx, id, err)
		return
	}

	output, err := l.caller.Invoke(ctx, agent, params)
	if err != nil {
		l.finishWithError(ctx, id, err)
		return
	}

	done := time.Now().UTC()
	ok, err = l.store.TransitionAgentExecution(ctx, id,
		schema.AgentExecRunning, schema.AgentExecCompleted,
		store.AgentExecutionUpdate{Output: output, CompletedAt: &done})
	if err != nil {
		l.logger.ErrorContext(ctx, "agent execution completion failed", "error", err)
		return
	}
	if !ok {
		// Timed out or cancelled while the call was in flight; discard.
		l.logger.WarnContext(ctx, "agent execution result discarded; record already terminal")
		return
	}
	l.emit(ctx, id, schema.EventAgentExecCompleted, nil)
}

// finishWithError maps an invocation error to the matching terminal state.
func (l *Lifecycle) finishWithError(ctx context.Context, id string, cause error) {
	now := time.Now().UTC()
	msg := cause.Error()
	update := store.AgentExecutionUpdate{Error: &msg, CompletedAt: &now}

	target := schema.AgentExecFailed
	eventType := schema.EventAgentExecFailed
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		target = schema.AgentExecTimeout
		eventType = schema.EventAgentExecTimedOut
	case errors.Is(cause, context.Canceled):
		target = schema.AgentExecCancelled
		eventType = schema.EventAgentExecCancelled
	}

	// Guarded transitions need a usable context even when the run context is
	// already dead.
	storeCtx := context.WithoutCancel(ctx)
	ok, err := l.store.TransitionAgentExecution(storeCtx, id,
		schema.AgentExecRunning, target, update)
	if err != nil {
		l.logger.ErrorContext(ctx, "agent execution failure transition failed", "error", err)
		return
	}
	if ok {
		l.emit(storeCtx, id, eventType, map[string]any{"error": msg})
	}
}

func (l *Lifecycle) stopInFlight(id string) {
	l.mu.Lock()
	cancel, ok := l.inFlight[id]
	delete(l.inFlight, id)
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

func (l *Lifecycle) emit(ctx context.Context, id, eventType string, payload map[string]any) {
	if l.events == nil {
		return
	}
	rec, err := l.store.GetAgentExecution(ctx, id)
	if err != nil || rec.ExecutionID == "" {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["agent_execution_id"] = id
	if err := l.events.Emit(ctx, rec.ExecutionID, rec.NodeID, eventType, payload); err != nil {
		l.logger.WarnContext(ctx, "emit agent event failed", "error", err)
	}
}
