package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// Chain is a registered chain definition.
type Chain struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Version     int               `json:"version"`
	Graph       schema.ChainGraph `json:"graph"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ChainExecution is the persisted state of one run of a chain.
type ChainExecution struct {
	ID          string                 `json:"id"`
	ChainID     string                 `json:"chain_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Priority    int                    `json:"priority,omitempty"`
	Input       map[string]any         `json:"input,omitempty"`
	Vars        json.RawMessage        `json:"vars,omitempty"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// NodeResult is the recorded outcome of a single node within an execution.
// At most one row exists per (execution_id, node_id).
type NodeResult struct {
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// EdgeResult is the recorded outcome of an edge within an execution:
// whether its condition held and what the frontier did with it.
type EdgeResult struct {
	ExecutionID string            `json:"execution_id"`
	EdgeID      string            `json:"edge_id"`
	Status      schema.EdgeStatus `json:"status"`
	Condition   string            `json:"condition,omitempty"`
	Value       *bool             `json:"value,omitempty"`
	EvaluatedAt *time.Time        `json:"evaluated_at,omitempty"`
}

// AgentExecution is the lifecycle record of one model invocation.
type AgentExecution struct {
	ID          string                      `json:"id"`
	AgentID     string                      `json:"agent_id"`
	ExecutionID string                      `json:"execution_id,omitempty"`
	NodeID      string                      `json:"node_id,omitempty"`
	Status      schema.AgentExecutionStatus `json:"status"`
	Params      json.RawMessage             `json:"params,omitempty"`
	Output      json.RawMessage             `json:"output,omitempty"`
	Error       string                      `json:"error,omitempty"`
	TimeoutSec  int                         `json:"timeout_sec,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	StartedAt   *time.Time                  `json:"started_at,omitempty"`
	CompletedAt *time.Time                  `json:"completed_at,omitempty"`
}

// Event is an immutable entry in the per-execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Schedule is a cron-triggered chain run.
type Schedule struct {
	ID             string          `json:"id"`
	ChainID        string          `json:"chain_id"`
	CronExpression string          `json:"cron_expression"`
	Input          json.RawMessage `json:"input,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing chain executions.
type ExecutionFilter struct {
	ChainID string                  `json:"chain_id,omitempty"`
	Status  *schema.ExecutionStatus `json:"status,omitempty"`
	Since   *time.Time              `json:"since,omitempty"`
	Limit   int                     `json:"limit,omitempty"`
	Offset  int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of a chain execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Vars        json.RawMessage         `json:"vars,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// AgentExecutionFilter specifies criteria for listing agent executions.
type AgentExecutionFilter struct {
	AgentID     string                       `json:"agent_id,omitempty"`
	ExecutionID string                       `json:"execution_id,omitempty"`
	Status      *schema.AgentExecutionStatus `json:"status,omitempty"`
	Limit       int                          `json:"limit,omitempty"`
}

// AgentExecutionUpdate specifies mutable fields of an agent execution.
type AgentExecutionUpdate struct {
	Status      *schema.AgentExecutionStatus `json:"status,omitempty"`
	Output      json.RawMessage              `json:"output,omitempty"`
	Error       *string                      `json:"error,omitempty"`
	StartedAt   *time.Time                   `json:"started_at,omitempty"`
	CompletedAt *time.Time                   `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	NodeID      string     `json:"node_id,omitempty"`
	EventType   string     `json:"event_type,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	ChainID string `json:"chain_id,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
