// Package engine executes chains: directed graphs of agent, tool, and
// condition nodes stepped frontier-by-frontier. Each execution runs a
// single-writer loop; sibling frontier nodes dispatch concurrently through a
// shared bounded worker pool, but all edge evaluation and variable merging
// happens inside the loop.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chainflow/internal/agents"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/internal/tools"
	"github.com/rendis/chainflow/pkg/schema"
)

const (
	// DefaultChainTimeout bounds an execution whose chain sets no timeout.
	DefaultChainTimeout = 30 * time.Minute

	// DefaultNodeTimeout bounds a single node dispatch.
	DefaultNodeTimeout = 300 * time.Second

	// DefaultPollInterval is the agent status poll cadence when the node
	// does not set one.
	DefaultPollInterval = 2 * time.Second

	// DefaultPoolSize is the shared dispatch concurrency.
	DefaultPoolSize = 10
)

// AgentRunner is the slice of the agent lifecycle the engine needs. It is
// satisfied by *agents.Lifecycle.
type AgentRunner interface {
	Start(ctx context.Context, req agents.StartRequest) (*store.AgentExecution, error)
	GetStatus(ctx context.Context, id string) (*store.AgentExecution, error)
	Cancel(ctx context.Context, id string) error
}

// InputValidator checks execution input against a chain's input schema.
type InputValidator interface {
	ValidateInput(schemaDoc json.RawMessage, input map[string]any) error
}

// ExecuteOptions carries optional per-execution settings.
type ExecuteOptions struct {
	// Priority orders competing executions for observers; it does not
	// preempt running work.
	Priority int

	// Overrides maps node ID to a params patch merged over the node's
	// static params at dispatch time.
	Overrides map[string]map[string]any
}

// ExecutionSnapshot is the full observable state of one execution.
type ExecutionSnapshot struct {
	Execution   *store.ChainExecution `json:"execution"`
	NodeResults []*store.NodeResult   `json:"node_results"`
	EdgeResults []*store.EdgeResult   `json:"edge_results"`
	ActiveEdges []string              `json:"active_edges"`
}

// Options configures an Engine.
type Options struct {
	Store     store.Store
	Events    *store.EventLog
	Hub       streaming.EventHub
	Tools     *tools.Registry
	Breakers  *tools.BreakerRegistry
	Agents    AgentRunner
	Validator InputValidator
	PoolSize  int
	Logger    *slog.Logger
}

// Engine loads chains from the store and drives their executions. Execute is
// non-blocking: the run loop lives on its own detached context and the caller
// observes progress through Status.
type Engine struct {
	store     store.Store
	events    *store.EventLog
	hub       streaming.EventHub
	tools     *tools.Registry
	breakers  *tools.BreakerRegistry
	agents    AgentRunner
	validator InputValidator
	fsm       *ExecutionFSM
	pool      *WorkerPool

	evaluator    *expressions.Evaluator
	interpolator *expressions.Interpolator

	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

// New creates an Engine. Store and Agents are required; everything else has a
// working default or is optional.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}
	var appender EventAppender
	if opts.Events != nil {
		appender = opts.Events
	}
	return &Engine{
		store:        opts.Store,
		events:       opts.Events,
		hub:          opts.Hub,
		tools:        opts.Tools,
		breakers:     opts.Breakers,
		agents:       opts.Agents,
		validator:    opts.Validator,
		fsm:          NewExecutionFSM(appender),
		pool:         NewWorkerPool(size),
		evaluator:    expressions.NewEvaluator(),
		interpolator: expressions.NewInterpolator(),
		logger:       logger,
		runs:         make(map[string]context.CancelFunc),
	}
}

// Execute starts a new execution of the chain and returns its ID without
// waiting for completion. Input is validated against the chain's input schema
// when one is declared.
func (e *Engine) Execute(ctx context.Context, chainID string, input map[string]any, opts ExecuteOptions) (string, error) {
	chain, err := e.store.GetChain(ctx, chainID)
	if err != nil {
		return "", err
	}

	graph, err := BuildGraph(&chain.Graph)
	if err != nil {
		return "", err
	}

	if e.validator != nil && len(chain.Graph.InputSchema) > 0 {
		if err := e.validator.ValidateInput(chain.Graph.InputSchema, input); err != nil {
			return "", err
		}
	}

	vars := make(map[string]any, len(input)+1)
	for k, v := range input {
		vars[k] = v
	}
	if len(opts.Overrides) > 0 {
		vars[schema.OverridesVar] = opts.Overrides
	}
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, "input is not JSON-serializable").WithCause(err)
	}

	exec := &store.ChainExecution{
		ID:        uuid.New().String(),
		ChainID:   chainID,
		Status:    schema.ExecutionStatusPending,
		Priority:  opts.Priority,
		Input:     input,
		Vars:      varsJSON,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", schema.NewError(schema.ErrCodeStore, "create execution").WithCause(err)
	}

	timeout := DefaultChainTimeout
	if chain.Graph.Timeout != "" {
		if d, perr := time.ParseDuration(chain.Graph.Timeout); perr == nil && d > 0 {
			timeout = d
		}
	}

	// The run loop outlives the caller's context: only the chain timeout
	// and an explicit Cancel stop it.
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	runCtx = logging.WithExecutionID(runCtx, exec.ID)

	e.mu.Lock()
	e.runs[exec.ID] = cancel
	e.mu.Unlock()

	go func() {
		defer cancel()
		defer func() {
			e.mu.Lock()
			delete(e.runs, exec.ID)
			e.mu.Unlock()
		}()
		e.runLoop(runCtx, exec.ID, graph, vars)
	}()

	return exec.ID, nil
}

// Status returns the execution record with its node and edge progress.
func (e *Engine) Status(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	nodeResults, err := e.store.ListNodeResults(ctx, executionID)
	if err != nil {
		return nil, err
	}
	edgeResults, err := e.store.ListEdgeResults(ctx, executionID)
	if err != nil {
		return nil, err
	}

	active := make([]string, 0)
	for _, er := range edgeResults {
		if er.Status == schema.EdgeStatusActive {
			active = append(active, er.EdgeID)
		}
	}

	return &ExecutionSnapshot{
		Execution:   exec,
		NodeResults: nodeResults,
		EdgeResults: edgeResults,
		ActiveEdges: active,
	}, nil
}

// Events returns the execution's event log entries after the given sequence.
func (e *Engine) Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	if e.events == nil {
		return nil, nil
	}
	return e.events.GetEvents(ctx, executionID, since)
}

// Cancel requests termination of an execution. Cancelling a terminal
// execution is a no-op. In-flight node dispatches are interrupted through
// the run context; the run loop records the cancelled state.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	cancel, running := e.runs[executionID]
	e.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	// Not in memory: either terminal, or orphaned by a restart.
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	if err := e.fsm.Transition(ctx, executionID, exec.Status, schema.ExecutionStatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	status := schema.ExecutionStatusCancelled
	return e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &status,
		CompletedAt: &now,
	})
}

// Shutdown stops the shared worker pool after in-flight dispatches finish.
// Running executions should be cancelled first.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.runs))
	for _, c := range e.runs {
		cancels = append(cancels, c)
	}
	e.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	e.pool.Shutdown()
}

// publish forwards an event to the streaming hub, when one is attached.
func (e *Engine) publish(ctx context.Context, executionID, nodeID, eventType string, payload any) {
	if e.hub == nil {
		return
	}
	if err := e.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: executionID,
		NodeID:      nodeID,
		EventType:   eventType,
		Payload:     payload,
	}); err != nil {
		e.logger.WarnContext(ctx, "publish stream event failed", "error", err)
	}
}

// emit appends to the event log and mirrors to the streaming hub.
func (e *Engine) emit(ctx context.Context, executionID, nodeID, eventType string, payload any) {
	if e.events != nil {
		if err := e.events.Emit(ctx, executionID, nodeID, eventType, payload); err != nil {
			e.logger.WarnContext(ctx, "emit event failed", "event_type", eventType, "error", err)
		}
	}
	e.publish(ctx, executionID, nodeID, eventType, payload)
}
