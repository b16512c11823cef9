package store

import (
	"context"

	"github.com/rendis/chainflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Chains
	CreateChain(ctx context.Context, c *Chain) error
	GetChain(ctx context.Context, id string) (*Chain, error)
	ListChains(ctx context.Context, limit int) ([]*Chain, error)
	DeleteChain(ctx context.Context, id string) error

	// Chain Executions
	CreateExecution(ctx context.Context, ex *ChainExecution) error
	GetExecution(ctx context.Context, id string) (*ChainExecution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ChainExecution, error)

	// Node / Edge Results (progress tracking)
	UpsertNodeResult(ctx context.Context, nr *NodeResult) error
	GetNodeResult(ctx context.Context, executionID, nodeID string) (*NodeResult, error)
	ListNodeResults(ctx context.Context, executionID string) ([]*NodeResult, error)
	UpsertEdgeResult(ctx context.Context, er *EdgeResult) error
	ListEdgeResults(ctx context.Context, executionID string) ([]*EdgeResult, error)

	// Agents
	RegisterAgent(ctx context.Context, agent *schema.AgentSpec) error
	GetAgent(ctx context.Context, id string) (*schema.AgentSpec, error)
	ListAgents(ctx context.Context) ([]*schema.AgentSpec, error)

	// Agent Executions (lifecycle records)
	CreateAgentExecution(ctx context.Context, ae *AgentExecution) error
	GetAgentExecution(ctx context.Context, id string) (*AgentExecution, error)
	UpdateAgentExecution(ctx context.Context, id string, update AgentExecutionUpdate) error
	TransitionAgentExecution(ctx context.Context, id string, from, to schema.AgentExecutionStatus, update AgentExecutionUpdate) (bool, error)
	ListAgentExecutions(ctx context.Context, filter AgentExecutionFilter) ([]*AgentExecution, error)

	// Event Log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Schedules
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
