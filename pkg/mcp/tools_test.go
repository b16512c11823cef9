package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainflow/internal/agents"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/tools"
	"github.com/rendis/chainflow/internal/validation"
	"github.com/rendis/chainflow/pkg/schema"
)

// fakeEngine records calls and returns canned responses.
type fakeEngine struct {
	executedChain string
	executedInput map[string]any
	executedOpts  engine.ExecuteOptions
	executeErr    error
	snapshot      *engine.ExecutionSnapshot
	cancelled     []string
}

func (f *fakeEngine) Execute(_ context.Context, chainID string, input map[string]any, opts engine.ExecuteOptions) (string, error) {
	if f.executeErr != nil {
		return "", f.executeErr
	}
	f.executedChain = chainID
	f.executedInput = input
	f.executedOpts = opts
	return "exec-123", nil
}

func (f *fakeEngine) Status(_ context.Context, executionID string) (*engine.ExecutionSnapshot, error) {
	if f.snapshot == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution not found: %s", executionID)
	}
	return f.snapshot, nil
}

func (f *fakeEngine) Cancel(_ context.Context, executionID string) error {
	f.cancelled = append(f.cancelled, executionID)
	return nil
}

type fakeBridge struct {
	req    agents.StartRequest
	output json.RawMessage
	err    error
}

func (f *fakeBridge) RunAndWait(_ context.Context, req agents.StartRequest) (json.RawMessage, error) {
	f.req = req
	return f.output, f.err
}

func newTestServer(t *testing.T) (*ChainflowServer, *fakeEngine, *fakeBridge, *store.LibSQLStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	validator, err := validation.NewSchemaValidator()
	require.NoError(t, err)

	eng := &fakeEngine{}
	brg := &fakeBridge{}
	srv := NewChainflowServer(ChainflowServerDeps{
		Engine:    eng,
		Bridge:    brg,
		Store:     s,
		Tools:     tools.NewRegistry(),
		Validator: validator,
	})
	return srv, eng, brg, s
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultJSON(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError, "unexpected tool error: %v", res.Content)
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func errorText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.True(t, res.IsError, "expected a tool error")
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestHandleExecute(t *testing.T) {
	srv, eng, _, _ := newTestServer(t)

	res, err := srv.handleExecute(context.Background(), callRequest(map[string]any{
		"chain_id": "summarize",
		"input":    map[string]any{"x": float64(5)},
		"priority": float64(3),
		"overrides": map[string]any{
			"c": map[string]any{"msg": "patched"},
		},
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	assert.Equal(t, "exec-123", out["execution_id"])
	assert.Equal(t, "pending", out["status"])

	assert.Equal(t, "summarize", eng.executedChain)
	assert.Equal(t, map[string]any{"x": float64(5)}, eng.executedInput)
	assert.Equal(t, 3, eng.executedOpts.Priority)
	assert.Equal(t, map[string]any{"msg": "patched"}, eng.executedOpts.Overrides["c"])
}

func TestHandleExecute_MissingChainID(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	res, err := srv.handleExecute(context.Background(), callRequest(map[string]any{}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, res), "chain_id is required")
}

func TestHandleExecute_BadOverrides(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	res, err := srv.handleExecute(context.Background(), callRequest(map[string]any{
		"chain_id":  "summarize",
		"overrides": map[string]any{"c": "not an object"},
	}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, res), "must be an object")
}

func TestHandleExecute_EngineError(t *testing.T) {
	srv, eng, _, _ := newTestServer(t)
	eng.executeErr = schema.NewError(schema.ErrCodeNotFound, "chain not found: ghost")

	res, err := srv.handleExecute(context.Background(), callRequest(map[string]any{
		"chain_id": "ghost",
	}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, res), "chain not found")
}

func TestHandleStatus(t *testing.T) {
	srv, eng, _, _ := newTestServer(t)
	eng.snapshot = &engine.ExecutionSnapshot{
		Execution: &store.ChainExecution{
			ID:     "exec-123",
			Status: schema.ExecutionStatusRunning,
		},
		ActiveEdges: []string{"e2"},
	}

	res, err := srv.handleStatus(context.Background(), callRequest(map[string]any{
		"execution_id": "exec-123",
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	exec := out["execution"].(map[string]any)
	assert.Equal(t, "running", exec["status"])
	assert.Equal(t, []any{"e2"}, out["active_edges"])
}

func TestHandleCancel(t *testing.T) {
	srv, eng, _, _ := newTestServer(t)

	res, err := srv.handleCancel(context.Background(), callRequest(map[string]any{
		"execution_id": "exec-123",
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, []string{"exec-123"}, eng.cancelled)
}

func TestHandleDefine_StoresValidChain(t *testing.T) {
	srv, _, _, s := newTestServer(t)

	graph := map[string]any{
		"nodes": []any{
			map[string]any{"id": "start", "type": "start"},
			map[string]any{"id": "done", "type": "end"},
		},
		"edges": []any{
			map[string]any{"id": "e1", "source": "start", "target": "done"},
		},
	}

	res, err := srv.handleDefine(context.Background(), callRequest(map[string]any{
		"chain_id": "pipeline",
		"name":     "Pipeline",
		"graph":    graph,
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, float64(1), out["version"])

	stored, err := s.GetChain(context.Background(), "pipeline")
	require.NoError(t, err)
	assert.Len(t, stored.Graph.Nodes, 2)

	// Redefining bumps the version.
	res, err = srv.handleDefine(context.Background(), callRequest(map[string]any{
		"chain_id": "pipeline",
		"graph":    graph,
	}))
	require.NoError(t, err)
	assert.Equal(t, float64(2), resultJSON(t, res)["version"])
}

func TestHandleDefine_RejectsBadDocument(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	res, err := srv.handleDefine(context.Background(), callRequest(map[string]any{
		"chain_id": "bad",
		"graph": map[string]any{
			"nodes": []any{
				map[string]any{"id": "a", "type": "webhook"},
			},
		},
	}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, res), "graph rejected")
}

func TestHandleDefine_ReportsSemanticErrors(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	// Structurally fine, semantically cyclic.
	res, err := srv.handleDefine(context.Background(), callRequest(map[string]any{
		"chain_id": "cyclic",
		"graph": map[string]any{
			"nodes": []any{
				map[string]any{"id": "start", "type": "start"},
				map[string]any{"id": "a", "type": "condition", "expression": "x > 0"},
				map[string]any{"id": "b", "type": "condition", "expression": "x < 0"},
			},
			"edges": []any{
				map[string]any{"id": "e0", "source": "start", "target": "a"},
				map[string]any{"id": "e1", "source": "a", "target": "b"},
				map[string]any{"id": "e2", "source": "b", "target": "a"},
			},
		},
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	assert.Equal(t, false, out["ok"])
	assert.NotEmpty(t, out["errors"])
}

func TestHandleAgentRun(t *testing.T) {
	srv, _, brg, _ := newTestServer(t)
	brg.output = json.RawMessage(`{"answer": 42}`)

	res, err := srv.handleAgentRun(context.Background(), callRequest(map[string]any{
		"agent_id": "a1",
		"params":   map[string]any{"q": "meaning of life"},
		"timeout":  "30s",
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	assert.Equal(t, "a1", out["agent_id"])
	assert.Equal(t, map[string]any{"answer": float64(42)}, out["output"])

	assert.Equal(t, "a1", brg.req.AgentID)
	assert.Equal(t, 30*time.Second, brg.req.Timeout)
	assert.JSONEq(t, `{"q": "meaning of life"}`, string(brg.req.Params))
}

func TestHandleAgentRun_Failure(t *testing.T) {
	srv, _, brg, _ := newTestServer(t)
	brg.err = errors.New("model exploded")

	res, err := srv.handleAgentRun(context.Background(), callRequest(map[string]any{
		"agent_id": "a1",
	}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, res), "model exploded")
}

func TestHandleAgentRun_BadTimeout(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	res, err := srv.handleAgentRun(context.Background(), callRequest(map[string]any{
		"agent_id": "a1",
		"timeout":  "soonish",
	}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, res), "invalid timeout")
}

func TestHandleDiagram(t *testing.T) {
	srv, eng, _, s := newTestServer(t)

	require.NoError(t, s.CreateChain(context.Background(), &store.Chain{
		ID:   "pipeline",
		Name: "Pipeline",
		Graph: schema.ChainGraph{
			Nodes: []schema.NodeDefinition{
				{ID: "start", Type: schema.NodeTypeStart},
				{ID: "fetch", Type: schema.NodeTypeTool, Ref: "http.get"},
			},
			Edges: []schema.EdgeDefinition{
				{ID: "e1", Source: "start", Target: "fetch"},
			},
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}))

	res, err := srv.handleDiagram(context.Background(), callRequest(map[string]any{
		"chain_id": "pipeline",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	assert.Contains(t, text.Text, "graph TD")
	assert.Contains(t, text.Text, "start --> fetch")
	assert.NotContains(t, text.Text, "classDef")

	// With an execution overlay the nodes get status classes.
	eng.snapshot = &engine.ExecutionSnapshot{
		Execution: &store.ChainExecution{ID: "exec-1", Status: schema.ExecutionStatusRunning},
		NodeResults: []*store.NodeResult{
			{NodeID: "start", Status: schema.NodeStatusCompleted},
			{NodeID: "fetch", Status: schema.NodeStatusRunning},
		},
	}
	res, err = srv.handleDiagram(context.Background(), callRequest(map[string]any{
		"chain_id":     "pipeline",
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	text, ok = mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	assert.Contains(t, text.Text, "class start completed")
	assert.Contains(t, text.Text, "class fetch running")
}

func TestHandleQuery_Executions(t *testing.T) {
	srv, _, _, s := newTestServer(t)

	require.NoError(t, s.CreateExecution(context.Background(), &store.ChainExecution{
		ID:        "exec-1",
		ChainID:   "pipeline",
		Status:    schema.ExecutionStatusCompleted,
		CreatedAt: time.Now().UTC(),
	}))

	res, err := srv.handleQuery(context.Background(), callRequest(map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"chain_id": "pipeline"},
	}))
	require.NoError(t, err)

	out := resultJSON(t, res)
	executions := out["executions"].([]any)
	require.Len(t, executions, 1)
}

func TestHandleQuery_EventsRequireScope(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	res, err := srv.handleQuery(context.Background(), callRequest(map[string]any{
		"resource": "events",
	}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, res), "requires either")
}

func TestHandleQuery_UnknownResource(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	res, err := srv.handleQuery(context.Background(), callRequest(map[string]any{
		"resource": "secrets",
	}))
	require.NoError(t, err)
	assert.Contains(t, errorText(t, res), "unknown resource")
}
