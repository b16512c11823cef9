package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/pkg/schema"
)

// nodeOutcome is the result a dispatch worker reports back to the run loop.
type nodeOutcome struct {
	nodeID   string
	output   any
	attempts int
	err      error
	started  time.Time
	finished time.Time
}

// runState is the in-memory stepping state of one execution. It is owned by
// the run loop goroutine and never shared.
type runState struct {
	executionID string
	graph       *Graph
	vars        map[string]any

	dispatched  map[string]bool
	finished    map[string]schema.NodeStatus
	edgeStates  map[string]schema.EdgeStatus
	nodeOutputs map[string]any
}

// runLoop drives one execution from RUNNING to a terminal state. It is the
// only writer of the execution's vars, node results, and edge results;
// dispatch workers only compute outputs and report them on the channel.
func (e *Engine) runLoop(ctx context.Context, executionID string, graph *Graph, vars map[string]any) {
	logger := e.logger.With("execution_id", executionID)

	st := &runState{
		executionID: executionID,
		graph:       graph,
		vars:        vars,
		dispatched:  make(map[string]bool, len(graph.Nodes)),
		finished:    make(map[string]schema.NodeStatus, len(graph.Nodes)),
		edgeStates:  make(map[string]schema.EdgeStatus, len(graph.Edges)),
		nodeOutputs: make(map[string]any, len(graph.Nodes)),
	}

	// storeCtx survives run-context death so terminal state always persists.
	storeCtx := context.WithoutCancel(ctx)

	if err := e.fsm.Transition(storeCtx, executionID, schema.ExecutionStatusPending, schema.ExecutionStatusRunning); err != nil {
		logger.ErrorContext(ctx, "execution start transition failed", "error", err)
		return
	}
	now := time.Now().UTC()
	running := schema.ExecutionStatusRunning
	if err := e.store.UpdateExecution(storeCtx, executionID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		logger.ErrorContext(ctx, "mark execution running failed", "error", err)
		return
	}
	e.publish(ctx, executionID, "", schema.EventExecutionStarted, nil)

	// Buffered so late workers never block after the loop exits.
	results := make(chan nodeOutcome, len(graph.Nodes))

	for {
		frontier := e.readyNodes(st)
		for _, nodeID := range frontier {
			if err := e.dispatchNode(ctx, st, nodeID, results); err != nil {
				// Pool shutdown or dead context; the terminal handling
				// below picks the right state.
				logger.WarnContext(ctx, "node dispatch submit failed", "node_id", nodeID, "error", err)
				results <- nodeOutcome{nodeID: nodeID, err: err, started: time.Now().UTC(), finished: time.Now().UTC()}
			}
		}

		pending := 0
		for id := range st.dispatched {
			if _, done := st.finished[id]; !done {
				pending++
			}
		}
		if pending == 0 {
			// No work in flight and nothing became ready: the execution
			// has converged. Nodes never dispatched were unreachable.
			e.finalize(storeCtx, st, schema.ExecutionStatusCompleted, nil)
			return
		}

		select {
		case out := <-results:
			failed := e.handleOutcome(ctx, storeCtx, st, out)
			if failed != nil {
				e.finalize(storeCtx, st, schema.ExecutionStatusFailed, failed)
				return
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				e.finalize(storeCtx, st, schema.ExecutionStatusFailed,
					schema.NewError(schema.ErrCodeTimeout, "chain execution timed out"))
			} else {
				e.finalize(storeCtx, st, schema.ExecutionStatusCancelled,
					schema.NewError(schema.ErrCodeCancelled, "chain execution cancelled"))
			}
			return
		}
	}
}

// readyNodes computes the current frontier: nodes not yet dispatched whose
// every incoming edge has been evaluated with at least one active. Roots are
// ready immediately. An unevaluated incoming edge blocks its target.
func (e *Engine) readyNodes(st *runState) []string {
	ready := make([]string, 0)
	for _, nodeID := range sortedNodeIDs(st.graph) {
		if st.dispatched[nodeID] {
			continue
		}

		incoming := st.graph.Incoming[nodeID]
		if len(incoming) == 0 {
			ready = append(ready, nodeID)
			continue
		}

		active := false
		blocked := false
		for _, edge := range incoming {
			state, evaluated := st.edgeStates[edge.ID]
			if !evaluated {
				blocked = true
				break
			}
			if state == schema.EdgeStatusActive || state == schema.EdgeStatusConsumed {
				active = true
			}
		}
		if !blocked && active {
			ready = append(ready, nodeID)
		}
	}
	return ready
}

// dispatchNode marks the node running, consumes its gating edges, and hands
// the actual work to the pool.
func (e *Engine) dispatchNode(ctx context.Context, st *runState, nodeID string, results chan<- nodeOutcome) error {
	node := st.graph.Nodes[nodeID]
	st.dispatched[nodeID] = true

	storeCtx := context.WithoutCancel(ctx)

	// Active gating edges are consumed exactly when their target dispatches.
	for _, edge := range st.graph.Incoming[nodeID] {
		if st.edgeStates[edge.ID] == schema.EdgeStatusActive {
			st.edgeStates[edge.ID] = schema.EdgeStatusConsumed
			e.persistEdge(storeCtx, st, edge, schema.EdgeStatusConsumed, nil)
		}
	}

	started := time.Now().UTC()
	if err := e.store.UpsertNodeResult(storeCtx, &store.NodeResult{
		ExecutionID: st.executionID,
		NodeID:      nodeID,
		Status:      schema.NodeStatusRunning,
		StartedAt:   &started,
	}); err != nil {
		e.logger.ErrorContext(ctx, "record node start failed", "node_id", nodeID, "error", err)
	}
	e.emit(storeCtx, st.executionID, nodeID, schema.EventNodeStarted, map[string]any{"node_type": string(node.Type)})

	scope := e.buildScope(st)
	return e.pool.Submit(ctx, func(ctx context.Context) error {
		output, attempts, err := e.executeNode(ctx, st.executionID, node, scope)
		results <- nodeOutcome{
			nodeID:   nodeID,
			output:   output,
			attempts: attempts,
			err:      err,
			started:  started,
			finished: time.Now().UTC(),
		}
		return err
	})
}

// handleOutcome records one node's result and evaluates its outgoing edges.
// It returns a non-nil error when the failure must terminate the execution.
func (e *Engine) handleOutcome(ctx, storeCtx context.Context, st *runState, out nodeOutcome) error {
	node := st.graph.Nodes[out.nodeID]
	duration := out.finished.Sub(out.started).Milliseconds()

	if out.err != nil {
		errJSON, _ := json.Marshal(map[string]any{"message": out.err.Error()})
		if err := e.store.UpsertNodeResult(storeCtx, &store.NodeResult{
			ExecutionID: st.executionID,
			NodeID:      out.nodeID,
			Status:      schema.NodeStatusFailed,
			Error:       errJSON,
			Attempts:    out.attempts,
			StartedAt:   &out.started,
			CompletedAt: &out.finished,
			DurationMs:  duration,
		}); err != nil {
			e.logger.ErrorContext(ctx, "record node failure failed", "node_id", out.nodeID, "error", err)
		}
		st.finished[out.nodeID] = schema.NodeStatusFailed
		e.emit(storeCtx, st.executionID, out.nodeID, schema.EventNodeFailed, map[string]any{
			"error":    out.err.Error(),
			"attempts": out.attempts,
		})

		if node.FailOpen {
			// The node's branch dies but the execution continues.
			for _, edge := range st.graph.Outgoing[out.nodeID] {
				st.edgeStates[edge.ID] = schema.EdgeStatusDropped
				e.persistEdge(storeCtx, st, edge, schema.EdgeStatusDropped, nil)
				e.emit(storeCtx, st.executionID, out.nodeID, schema.EventEdgeDropped, map[string]any{"edge_id": edge.ID})
			}
			return nil
		}
		return out.err
	}

	outputJSON, _ := json.Marshal(out.output)
	if err := e.store.UpsertNodeResult(storeCtx, &store.NodeResult{
		ExecutionID: st.executionID,
		NodeID:      out.nodeID,
		Status:      schema.NodeStatusCompleted,
		Output:      outputJSON,
		Attempts:    out.attempts,
		StartedAt:   &out.started,
		CompletedAt: &out.finished,
		DurationMs:  duration,
	}); err != nil {
		e.logger.ErrorContext(ctx, "record node result failed", "node_id", out.nodeID, "error", err)
	}
	st.finished[out.nodeID] = schema.NodeStatusCompleted
	st.nodeOutputs[out.nodeID] = out.output
	e.emit(storeCtx, st.executionID, out.nodeID, schema.EventNodeCompleted, map[string]any{"attempts": out.attempts})

	// Map outputs merge into the working variables; everything is always
	// reachable under nodes.<id>.output regardless.
	if m, ok := out.output.(map[string]any); ok && node.Type != schema.NodeTypeCondition {
		for k, v := range m {
			st.vars[k] = v
		}
		e.persistVars(storeCtx, st)
	}

	e.evaluateOutgoing(ctx, storeCtx, st, node, out.output)
	return nil
}

// evaluateOutgoing gates each outgoing edge of a completed node. An edge with
// a condition is evaluated against the working variables; an edge without one
// follows the source node's boolean result for condition nodes (honoring a
// "false" label) and is unconditionally active otherwise.
func (e *Engine) evaluateOutgoing(ctx, storeCtx context.Context, st *runState, node *schema.NodeDefinition, output any) {
	scope := e.buildScope(st)

	condResult := false
	if node.Type == schema.NodeTypeCondition {
		if m, ok := output.(map[string]any); ok {
			condResult, _ = m["result"].(bool)
		}
		e.emit(storeCtx, st.executionID, node.ID, schema.EventConditionEvaluated, map[string]any{
			"expression": node.Expression,
			"result":     condResult,
		})
	}

	for _, edge := range st.graph.Outgoing[node.ID] {
		var active bool
		var value *bool

		switch {
		case edge.Condition != "":
			result, err := e.evaluator.EvalCondition(ctx, edge.Condition, edge.Language, scope)
			if err != nil {
				e.logger.WarnContext(ctx, "edge condition failed; dropping edge",
					"edge_id", edge.ID, "error", err)
				active = false
			} else {
				active = result
				value = &result
			}
		case node.Type == schema.NodeTypeCondition:
			active = condResult
			if edge.Label == "false" {
				active = !condResult
			}
			value = &active
		default:
			active = true
		}

		status := schema.EdgeStatusDropped
		eventType := schema.EventEdgeDropped
		if active {
			status = schema.EdgeStatusActive
			eventType = schema.EventEdgeActivated
		}
		st.edgeStates[edge.ID] = status
		e.persistEdge(storeCtx, st, edge, status, value)
		e.emit(storeCtx, st.executionID, node.ID, eventType, map[string]any{
			"edge_id": edge.ID,
			"target":  edge.Target,
		})
	}
}

// finalize writes the terminal state: undispatched and still-running nodes
// become skipped, the execution record gets its status, output, and error.
func (e *Engine) finalize(storeCtx context.Context, st *runState, status schema.ExecutionStatus, cause error) {
	now := time.Now().UTC()

	for nodeID := range st.graph.Nodes {
		if _, done := st.finished[nodeID]; done {
			continue
		}
		if err := e.store.UpsertNodeResult(storeCtx, &store.NodeResult{
			ExecutionID: st.executionID,
			NodeID:      nodeID,
			Status:      schema.NodeStatusSkipped,
			CompletedAt: &now,
		}); err != nil {
			e.logger.ErrorContext(storeCtx, "record skipped node failed", "node_id", nodeID, "error", err)
		}
		e.emit(storeCtx, st.executionID, nodeID, schema.EventNodeSkipped, nil)
	}

	update := store.ExecutionUpdate{Status: &status, CompletedAt: &now}
	if cause != nil {
		update.Error, _ = json.Marshal(map[string]any{"message": cause.Error()})
	}
	if status == schema.ExecutionStatusCompleted {
		update.Output, _ = json.Marshal(e.executionOutput(st))
	}
	if varsJSON, err := json.Marshal(st.vars); err == nil {
		update.Vars = varsJSON
	}

	if err := e.fsm.Transition(storeCtx, st.executionID, schema.ExecutionStatusRunning, status); err != nil {
		e.logger.ErrorContext(storeCtx, "execution terminal transition failed", "error", err)
	}
	if err := e.store.UpdateExecution(storeCtx, st.executionID, update); err != nil {
		e.logger.ErrorContext(storeCtx, "persist terminal execution failed", "error", err)
	}

	payload := map[string]any{}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	e.publish(storeCtx, st.executionID, "", executionEventType(status), payload)
}

// executionOutput collects the outputs of the chain's sink nodes: END nodes
// when the chain declares them, leaf nodes otherwise.
func (e *Engine) executionOutput(st *runState) map[string]any {
	sinks := make([]string, 0)
	hasEnd := false
	for id, node := range st.graph.Nodes {
		if node.Type == schema.NodeTypeEnd {
			hasEnd = true
			sinks = append(sinks, id)
		}
	}
	if !hasEnd {
		sinks = sinks[:0]
		for id := range st.graph.Nodes {
			if len(st.graph.Outgoing[id]) == 0 {
				sinks = append(sinks, id)
			}
		}
	}

	out := make(map[string]any)
	for _, id := range sinks {
		if v, ok := st.nodeOutputs[id]; ok {
			out[id] = v
		}
	}
	// A chain ending on END nodes yields the final variables when the END
	// nodes themselves produced nothing.
	if len(out) == 0 {
		for k, v := range st.vars {
			if k != schema.OverridesVar {
				out[k] = v
			}
		}
	}
	return out
}

// buildScope assembles the expression evaluation data: the flattened working
// variables plus explicit vars / nodes / execution namespaces. The maps are
// copies: workers read the scope concurrently with the loop mutating state.
func (e *Engine) buildScope(st *runState) map[string]any {
	vars := make(map[string]any, len(st.vars))
	for k, v := range st.vars {
		vars[k] = v
	}

	nodes := make(map[string]any, len(st.nodeOutputs))
	for id, out := range st.nodeOutputs {
		nodes[id] = map[string]any{"output": out}
	}

	scope := make(map[string]any, len(vars)+3)
	for k, v := range vars {
		scope[k] = v
	}
	scope["vars"] = vars
	scope["nodes"] = nodes
	scope["execution"] = map[string]any{"id": st.executionID}
	return scope
}

func (e *Engine) persistEdge(storeCtx context.Context, st *runState, edge *schema.EdgeDefinition, status schema.EdgeStatus, value *bool) {
	now := time.Now().UTC()
	if err := e.store.UpsertEdgeResult(storeCtx, &store.EdgeResult{
		ExecutionID: st.executionID,
		EdgeID:      edge.ID,
		Status:      status,
		Condition:   edge.Condition,
		Value:       value,
		EvaluatedAt: &now,
	}); err != nil {
		e.logger.ErrorContext(storeCtx, "record edge result failed", "edge_id", edge.ID, "error", err)
	}
}

func (e *Engine) persistVars(storeCtx context.Context, st *runState) {
	varsJSON, err := json.Marshal(st.vars)
	if err != nil {
		return
	}
	if err := e.store.UpdateExecution(storeCtx, st.executionID, store.ExecutionUpdate{Vars: varsJSON}); err != nil {
		e.logger.ErrorContext(storeCtx, "persist vars failed", "error", err)
	}
}

func sortedNodeIDs(g *Graph) []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	// Deterministic dispatch order for tests and logs.
	sort.Strings(ids)
	return ids
}
