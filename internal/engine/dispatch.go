package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rendis/chainflow/internal/agents"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/tools"
	"github.com/rendis/chainflow/pkg/schema"
)

// executeNode runs one node to completion, honoring its timeout and retry
// policy. It returns the node's selected output and the number of attempts
// made. Workers call this off the run loop; it touches no shared state.
func (e *Engine) executeNode(ctx context.Context, executionID string, node *schema.NodeDefinition, scope map[string]any) (any, int, error) {
	timeout := DefaultNodeTimeout
	if node.Timeout != "" {
		if d, err := time.ParseDuration(node.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	maxAttempts := MaxAttempts(node.Retry)
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			e.emit(context.WithoutCancel(ctx), executionID, node.ID, schema.EventNodeRetrying, map[string]any{
				"attempt": attempt,
				"error":   lastErr.Error(),
			})
			if err := WaitForBackoff(ctx, node.Retry, attempt-1); err != nil {
				return nil, attempt - 1, lastErr
			}
		}

		nodeCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := e.runNodeOnce(nodeCtx, executionID, node, scope)
		cancel()

		if err == nil {
			return output, attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsRetryableError(err) {
			return nil, attempt, err
		}
	}

	return nil, maxAttempts, lastErr
}

// runNodeOnce performs a single dispatch attempt for the node's type.
func (e *Engine) runNodeOnce(ctx context.Context, executionID string, node *schema.NodeDefinition, scope map[string]any) (any, error) {
	switch node.Type {
	case schema.NodeTypeStart, schema.NodeTypeEnd:
		return map[string]any{}, nil
	case schema.NodeTypeCondition:
		return e.runCondition(ctx, node, scope)
	case schema.NodeTypeTool:
		return e.runTool(ctx, executionID, node, scope)
	case schema.NodeTypeAgent:
		return e.runAgent(ctx, executionID, node, scope)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown type: %s", node.ID, node.Type).
			WithNode(node.ID)
	}
}

func (e *Engine) runCondition(ctx context.Context, node *schema.NodeDefinition, scope map[string]any) (any, error) {
	result, err := e.evaluator.EvalCondition(ctx, node.Expression, node.Language, scope)
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}
	return map[string]any{"result": result}, nil
}

func (e *Engine) runTool(ctx context.Context, executionID string, node *schema.NodeDefinition, scope map[string]any) (any, error) {
	if e.tools == nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "no tool registry configured").WithNode(node.ID)
	}

	if e.breakers != nil {
		if err := e.breakers.AllowRequest(node.Ref); err != nil {
			e.emit(context.WithoutCancel(ctx), executionID, node.ID, schema.EventBreakerOpen, map[string]any{"tool": node.Ref})
			return nil, wrapNodeErr(err, node.ID)
		}
	}

	tool, err := e.tools.Get(node.Ref)
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}

	params, err := e.resolveParams(node, scope)
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}
	if err := tool.Validate(params); err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}

	out, err := tool.Execute(ctx, tools.ToolInput{Params: params, Context: scope})
	if e.breakers != nil {
		if err != nil {
			e.breakers.RecordFailure(node.Ref)
		} else {
			e.breakers.RecordSuccess(node.Ref)
		}
	}
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}

	var decoded any
	if len(out.Data) > 0 {
		if uerr := json.Unmarshal(out.Data, &decoded); uerr != nil {
			decoded = string(out.Data)
		}
	}
	return e.selectOutput(ctx, node, decoded)
}

// runAgent starts an agent invocation through the lifecycle and polls its
// record until it reaches a terminal state or the node deadline passes.
func (e *Engine) runAgent(ctx context.Context, executionID string, node *schema.NodeDefinition, scope map[string]any) (any, error) {
	if e.agents == nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "no agent runner configured").WithNode(node.ID)
	}

	params, err := e.resolveParams(node, scope)
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "agent params are not JSON-serializable").
			WithNode(node.ID).WithCause(err)
	}

	var timeout time.Duration
	if node.Timeout != "" {
		if d, perr := time.ParseDuration(node.Timeout); perr == nil && d > 0 {
			timeout = d
		}
	}

	rec, err := e.agents.Start(ctx, agents.StartRequest{
		AgentID:     node.Ref,
		ExecutionID: executionID,
		NodeID:      node.ID,
		Params:      paramsJSON,
		Timeout:     timeout,
	})
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}

	interval := DefaultPollInterval
	if node.PollInterval != "" {
		if d, perr := time.ParseDuration(node.PollInterval); perr == nil && d > 0 {
			interval = d
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Best effort: the lifecycle's own guarded transitions make a
			// racing completion harmless.
			stopCtx := context.WithoutCancel(ctx)
			if cerr := e.agents.Cancel(stopCtx, rec.ID); cerr != nil {
				e.logger.WarnContext(stopCtx, "cancel agent execution failed",
					"agent_execution_id", rec.ID, "error", cerr)
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, schema.NewErrorf(schema.ErrCodeTimeout, "agent node %s timed out", node.ID).WithNode(node.ID)
			}
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "agent node %s cancelled", node.ID).WithNode(node.ID)
		case <-ticker.C:
		}

		current, gerr := e.agents.GetStatus(ctx, rec.ID)
		if gerr != nil {
			if ctx.Err() != nil {
				continue // deadline handling happens on the next select
			}
			return nil, wrapNodeErr(gerr, node.ID)
		}
		if !current.Status.Terminal() {
			continue
		}

		switch current.Status {
		case schema.AgentExecCompleted:
			var decoded any
			if len(current.Output) > 0 {
				if uerr := json.Unmarshal(current.Output, &decoded); uerr != nil {
					decoded = string(current.Output)
				}
			}
			return e.selectOutput(ctx, node, decoded)
		case schema.AgentExecTimeout:
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "agent execution timed out: %s", current.Error).WithNode(node.ID)
		case schema.AgentExecCancelled:
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "agent execution cancelled").WithNode(node.ID)
		default:
			return nil, schema.NewErrorf(schema.ErrCodeDispatch, "agent execution failed: %s", current.Error).WithNode(node.ID)
		}
	}
}

// resolveParams interpolates the node's static params and applies the
// caller's per-node override block on top.
func (e *Engine) resolveParams(node *schema.NodeDefinition, scope map[string]any) (map[string]any, error) {
	params := make(map[string]any)

	if len(node.Params) > 0 {
		raw := node.Params
		if expressions.HasInterpolation(raw) {
			resolved, err := e.interpolator.Resolve(raw, interpolationScope(scope))
			if err != nil {
				return nil, err
			}
			raw = resolved
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s params are not a JSON object", node.ID).
				WithCause(err)
		}
	}

	if vars, ok := scope["vars"].(map[string]any); ok {
		if overrides, ok := vars[schema.OverridesVar].(map[string]map[string]any); ok {
			for k, v := range overrides[node.ID] {
				params[k] = v
			}
		} else if generic, ok := vars[schema.OverridesVar].(map[string]any); ok {
			// Overrides round-tripped through JSON arrive untyped.
			if patch, ok := generic[node.ID].(map[string]any); ok {
				for k, v := range patch {
					params[k] = v
				}
			}
		}
	}

	return params, nil
}

// selectOutput applies the node's jq output selector, when present.
func (e *Engine) selectOutput(ctx context.Context, node *schema.NodeDefinition, output any) (any, error) {
	if node.OutputSelector == "" {
		return output, nil
	}

	data, ok := output.(map[string]any)
	if !ok {
		data = map[string]any{"value": output}
	}
	selected, err := e.evaluator.Select(ctx, node.OutputSelector, data)
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}
	return selected, nil
}

// interpolationScope converts the expression scope into the interpolator's
// namespaced form. The nodes namespace unwraps to the raw selected outputs.
func interpolationScope(scope map[string]any) *expressions.InterpolationScope {
	is := &expressions.InterpolationScope{}
	if vars, ok := scope["vars"].(map[string]any); ok {
		is.Vars = vars
	}
	if nodes, ok := scope["nodes"].(map[string]any); ok {
		unwrapped := make(map[string]any, len(nodes))
		for id, entry := range nodes {
			if m, ok := entry.(map[string]any); ok {
				unwrapped[id] = m["output"]
			} else {
				unwrapped[id] = entry
			}
		}
		is.Nodes = unwrapped
	}
	if exec, ok := scope["execution"].(map[string]any); ok {
		is.Execution = exec
	}
	return is
}

func wrapNodeErr(err error, nodeID string) error {
	var cfErr *schema.ChainflowError
	if errors.As(err, &cfErr) {
		if cfErr.NodeID == "" {
			return cfErr.WithNode(nodeID)
		}
		return err
	}
	return schema.NewError(schema.ErrCodeDispatch, err.Error()).WithNode(nodeID).WithCause(err)
}
