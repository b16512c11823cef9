// Package mcp exposes the chain engine over the Model Context Protocol.
// Agents drive the engine through chain.execute, chain.status, chain.cancel,
// chain.define, chain.query, chain.diagram, and the blocking agent.run.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainflow/internal/agents"
	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/internal/tools"
	"github.com/rendis/chainflow/internal/validation"
)

// ChainEngine is the slice of the engine the server needs. Satisfied by
// *engine.Engine.
type ChainEngine interface {
	Execute(ctx context.Context, chainID string, input map[string]any, opts engine.ExecuteOptions) (string, error)
	Status(ctx context.Context, executionID string) (*engine.ExecutionSnapshot, error)
	Cancel(ctx context.Context, executionID string) error
}

// AgentBridge blocks a caller on a single agent invocation. Satisfied by
// *bridge.Bridge.
type AgentBridge interface {
	RunAndWait(ctx context.Context, req agents.StartRequest) (json.RawMessage, error)
}

// ChainflowServerDeps holds the dependencies for creating a ChainflowServer.
type ChainflowServerDeps struct {
	Engine    ChainEngine
	Bridge    AgentBridge
	Store     store.Store
	Tools     *tools.Registry
	Validator *validation.SchemaValidator
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// ChainflowServer wraps an MCP server with chainflow-specific tool handlers.
type ChainflowServer struct {
	engine    ChainEngine
	bridge    AgentBridge
	store     store.Store
	tools     *tools.Registry
	validator *validation.SchemaValidator
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewChainflowServer creates a ChainflowServer with all tools registered.
func NewChainflowServer(deps ChainflowServerDeps) *ChainflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ChainflowServer{
		engine:    deps.Engine,
		bridge:    deps.Bridge,
		store:     deps.Store,
		tools:     deps.Tools,
		validator: deps.Validator,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"chainflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Chainflow orchestrates directed-graph chains of agents and tools. Use chain.execute to start a chain asynchronously, chain.status to poll progress, chain.cancel to stop a run, chain.define to register a chain, agent.run to invoke a single agent and wait, chain.query to list chains/executions/events/agents/schedules, and chain.diagram to render a chain as a Mermaid flowchart."),
	)

	mcpSrv.AddTools(s.serverTools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *ChainflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *ChainflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the execution-to-session registry, used to wire the
// progress notifier.
func (s *ChainflowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *ChainflowServer) serverTools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: agentRunTool(), Handler: s.handleAgentRun},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("chain.execute",
		mcp.WithDescription("Start an asynchronous execution of a registered chain; returns the execution ID immediately"),
		mcp.WithString("chain_id", mcp.Required(), mcp.Description("ID of the chain to execute")),
		mcp.WithObject("input", mcp.Description("Execution input, validated against the chain's input schema")),
		mcp.WithNumber("priority", mcp.Description("Relative priority of the execution (default 0)")),
		mcp.WithObject("overrides", mcp.Description("Per-node params patches, keyed by node ID")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("chain.status",
		mcp.WithDescription("Get an execution's state with per-node and per-edge progress"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("chain.cancel",
		mcp.WithDescription("Cancel a running execution; cancelling a finished execution is a no-op"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("chain.define",
		mcp.WithDescription("Register or update a chain definition; the graph is validated before it is stored"),
		mcp.WithString("chain_id", mcp.Required(), mcp.Description("Chain ID; redefining an existing ID bumps its version")),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Chain graph: nodes, edges, input_schema, timeout")),
		mcp.WithString("name", mcp.Description("Human-readable chain name")),
		mcp.WithString("description", mcp.Description("Chain description")),
	)
}

func agentRunTool() mcp.Tool {
	return mcp.NewTool("agent.run",
		mcp.WithDescription("Invoke a single registered agent and block until it finishes; returns the agent's output"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the agent to invoke")),
		mcp.WithObject("params", mcp.Description("Invocation parameters")),
		mcp.WithString("timeout", mcp.Description("Wall-clock limit for the invocation (e.g. \"60s\")")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("chain.diagram",
		mcp.WithDescription("Render a chain as a Mermaid flowchart; pass execution_id to color nodes with execution progress"),
		mcp.WithString("chain_id", mcp.Required(), mcp.Description("ID of the chain to render")),
		mcp.WithString("execution_id", mcp.Description("Overlay node and edge states from this execution")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("chain.query",
		mcp.WithDescription("Query chains, executions, events, agents, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("chains", "executions", "events", "agents", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (chain_id, status, since, limit, event_type, execution_id, enabled)")),
	)
}
