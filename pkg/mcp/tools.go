package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainflow/internal/agents"
	"github.com/rendis/chainflow/internal/diagram"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/validation"
	"github.com/rendis/chainflow/pkg/schema"
)

// handleExecute starts an asynchronous chain execution.
func (s *ChainflowServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chainID, err := req.RequireString("chain_id")
	if err != nil {
		return mcp.NewToolResultError("chain_id is required"), nil
	}

	input := mcp.ParseStringMap(req, "input", nil)
	priority := req.GetInt("priority", 0)

	opts := engine.ExecuteOptions{Priority: priority}
	if raw := mcp.ParseStringMap(req, "overrides", nil); raw != nil {
		opts.Overrides = make(map[string]map[string]any, len(raw))
		for nodeID, patch := range raw {
			m, ok := patch.(map[string]any)
			if !ok {
				return mcp.NewToolResultError(fmt.Sprintf("override for node %q must be an object", nodeID)), nil
			}
			opts.Overrides[nodeID] = m
		}
	}

	executionID, execErr := s.engine.Execute(ctx, chainID, input, opts)
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution failed to start: %v", execErr)), nil
	}

	// Map the execution to the caller's session for push notifications.
	s.captureSession(ctx, executionID)

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"status":       string(schema.ExecutionStatusPending),
	})
}

// handleStatus returns the current snapshot of an execution.
func (s *ChainflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	snap, statusErr := s.engine.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(snap)
}

// handleCancel cancels a running execution.
func (s *ChainflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.engine.Cancel(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleDefine validates and stores a chain definition.
func (s *ChainflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chainID, err := req.RequireString("chain_id")
	if err != nil {
		return mcp.NewToolResultError("chain_id is required"), nil
	}

	graphRaw := mcp.ParseStringMap(req, "graph", nil)
	if graphRaw == nil {
		return mcp.NewToolResultError("graph is required"), nil
	}

	// Round-trip through JSON to get a typed ChainGraph.
	graphBytes, marshalErr := json.Marshal(graphRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", marshalErr)), nil
	}
	var graph schema.ChainGraph
	if unmarshalErr := json.Unmarshal(graphBytes, &graph); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", unmarshalErr)), nil
	}

	if s.validator != nil {
		if docErr := s.validator.ValidateDocument(&graph); docErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("graph rejected: %v", docErr)), nil
		}
	}
	result := validation.ValidateChain(&graph, s.refResolver(ctx))
	if !result.Valid() {
		return marshalResult(map[string]any{
			"ok":     false,
			"errors": result.Errors,
		})
	}

	now := time.Now().UTC()
	chain := &store.Chain{
		ID:          chainID,
		Name:        req.GetString("name", chainID),
		Description: req.GetString("description", ""),
		Graph:       graph,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if storeErr := s.store.CreateChain(ctx, chain); storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store chain: %v", storeErr)), nil
	}

	stored, getErr := s.store.GetChain(ctx, chainID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read back chain: %v", getErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":       true,
		"chain_id": chainID,
		"version":  stored.Version,
		"warnings": result.Warnings,
	})
}

// handleAgentRun invokes a single agent through the blocking bridge.
func (s *ChainflowServer) handleAgentRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	var paramsJSON json.RawMessage
	if params := mcp.ParseStringMap(req, "params", nil); params != nil {
		raw, marshalErr := json.Marshal(params)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid params: %v", marshalErr)), nil
		}
		paramsJSON = raw
	}

	var timeout time.Duration
	if raw := req.GetString("timeout", ""); raw != "" {
		d, parseErr := time.ParseDuration(raw)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid timeout %q", raw)), nil
		}
		timeout = d
	}

	output, runErr := s.bridge.RunAndWait(ctx, agents.StartRequest{
		AgentID: agentID,
		Params:  paramsJSON,
		Timeout: timeout,
	})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("agent run failed: %v", runErr)), nil
	}

	var decoded any
	if len(output) > 0 {
		if uerr := json.Unmarshal(output, &decoded); uerr != nil {
			decoded = string(output)
		}
	}
	return marshalResult(map[string]any{
		"agent_id": agentID,
		"output":   decoded,
	})
}

// handleDiagram renders a chain as a Mermaid flowchart, optionally colored
// with one execution's progress.
func (s *ChainflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chainID, err := req.RequireString("chain_id")
	if err != nil {
		return mcp.NewToolResultError("chain_id is required"), nil
	}

	chain, getErr := s.store.GetChain(ctx, chainID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("chain lookup failed: %v", getErr)), nil
	}

	var overlay diagram.Overlay
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		snap, statusErr := s.engine.Status(ctx, executionID)
		if statusErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
		}
		overlay.NodeStatuses = make(map[string]schema.NodeStatus, len(snap.NodeResults))
		for _, nr := range snap.NodeResults {
			overlay.NodeStatuses[nr.NodeID] = nr.Status
		}
		overlay.EdgeStatuses = make(map[string]schema.EdgeStatus, len(snap.EdgeResults))
		for _, er := range snap.EdgeResults {
			overlay.EdgeStatuses[er.EdgeID] = er.Status
		}
	}

	return mcp.NewToolResultText(diagram.RenderMermaid(&chain.Graph, overlay)), nil
}

// handleQuery lists chains, executions, events, agents, or schedules.
func (s *ChainflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "chains":
		return s.queryChains(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "agents":
		return s.queryAgents(ctx)
	case "schedules":
		return s.querySchedules(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *ChainflowServer) queryChains(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	chains, err := s.store.ListChains(ctx, extractInt(filter, "limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"chains": chains})
}

func (s *ChainflowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if chainID, ok := filter["chain_id"].(string); ok {
		ef.ChainID = chainID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *ChainflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if executionID, ok := filter["execution_id"].(string); ok {
		ef.ExecutionID = executionID
	}
	if nodeID, ok := filter["node_id"].(string); ok {
		ef.NodeID = nodeID
	}
	if eventType, ok := filter["event_type"].(string); ok {
		ef.EventType = eventType
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if ef.EventType != "" {
		events, err := s.store.GetEventsByType(ctx, ef.EventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.ExecutionID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'execution_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.ExecutionID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *ChainflowServer) queryAgents(ctx context.Context) (*mcp.CallToolResult, error) {
	list, err := s.store.ListAgents(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"agents": list})
}

func (s *ChainflowServer) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	sf := store.ScheduleFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if chainID, ok := filter["chain_id"].(string); ok {
		sf.ChainID = chainID
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		sf.Enabled = &enabled
	}

	schedules, err := s.store.ListSchedules(ctx, sf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

// --- Internal helpers ---

// refResolver builds the reference lookups for chain validation from the
// tool registry and the agent table.
func (s *ChainflowServer) refResolver(ctx context.Context) validation.RefResolver {
	resolver := validation.RefResolver{}
	if s.tools != nil {
		resolver.HasTool = s.tools.Has
	}
	resolver.HasAgent = func(id string) bool {
		_, err := s.store.GetAgent(ctx, id)
		return err == nil
	}
	return resolver
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps an execution to the caller's MCP session for push
// notifications.
func (s *ChainflowServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
