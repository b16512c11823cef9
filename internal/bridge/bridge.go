// Package bridge adapts the asynchronous agent lifecycle to blocking
// callers: protocol surfaces that want a synchronous request/response get a
// single call that starts an invocation and waits for its terminal record.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/chainflow/internal/agents"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// DefaultPollInterval is the status poll cadence when none is given.
const DefaultPollInterval = 500 * time.Millisecond

// Runner is the slice of the agent lifecycle the bridge needs. It is
// satisfied by *agents.Lifecycle.
type Runner interface {
	Start(ctx context.Context, req agents.StartRequest) (*store.AgentExecution, error)
	GetStatus(ctx context.Context, id string) (*store.AgentExecution, error)
	Cancel(ctx context.Context, id string) error
}

// Bridge blocks a caller on an agent invocation until it terminates.
type Bridge struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Bridge. A non-positive interval uses DefaultPollInterval.
func New(runner Runner, interval time.Duration, logger *slog.Logger) *Bridge {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{runner: runner, interval: interval, logger: logger}
}

// RunAndWait starts the invocation and blocks until it reaches a terminal
// state or the caller's context dies. On context death the invocation is
// cancelled best-effort before the error is returned.
func (b *Bridge) RunAndWait(ctx context.Context, req agents.StartRequest) (json.RawMessage, error) {
	rec, err := b.runner.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx := context.WithoutCancel(ctx)
			if cerr := b.runner.Cancel(stopCtx, rec.ID); cerr != nil {
				b.logger.WarnContext(stopCtx, "cancel bridged agent execution failed",
					"agent_execution_id", rec.ID, "error", cerr)
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, schema.NewErrorf(schema.ErrCodeTimeout,
					"agent execution %s did not finish before the caller's deadline", rec.ID).
					WithDetails(map[string]any{"agent_execution_id": rec.ID})
			}
			return nil, schema.NewError(schema.ErrCodeCancelled, "caller abandoned the agent execution").
				WithDetails(map[string]any{"agent_execution_id": rec.ID})
		case <-ticker.C:
		}

		current, gerr := b.runner.GetStatus(ctx, rec.ID)
		if gerr != nil {
			if ctx.Err() != nil {
				continue
			}
			return nil, gerr
		}
		if !current.Status.Terminal() {
			continue
		}

		switch current.Status {
		case schema.AgentExecCompleted:
			return current.Output, nil
		case schema.AgentExecTimeout:
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "agent execution timed out: %s", current.Error).
				WithDetails(map[string]any{"agent_execution_id": rec.ID})
		case schema.AgentExecCancelled:
			return nil, schema.NewError(schema.ErrCodeCancelled, "agent execution cancelled").
				WithDetails(map[string]any{"agent_execution_id": rec.ID})
		default:
			return nil, schema.NewErrorf(schema.ErrCodeDispatch, "agent execution failed: %s", current.Error).
				WithDetails(map[string]any{"agent_execution_id": rec.ID})
		}
	}
}
