package schema

// Event type constants for the execution event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetrying  = "node_retrying"

	EventEdgeActivated = "edge_activated"
	EventEdgeDropped   = "edge_dropped"

	EventConditionEvaluated = "condition_evaluated"

	EventAgentExecStarted   = "agent_execution_started"
	EventAgentExecCompleted = "agent_execution_completed"
	EventAgentExecFailed    = "agent_execution_failed"
	EventAgentExecTimedOut  = "agent_execution_timed_out"
	EventAgentExecCancelled = "agent_execution_cancelled"

	EventScheduleTriggered = "schedule_triggered"
	EventBreakerOpen       = "circuit_breaker_open"
)

// ExecutionStatus represents the lifecycle state of a chain execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition can occur.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// AgentExecutionStatus represents the lifecycle state of a single agent
// invocation, owned exclusively by the agent lifecycle.
type AgentExecutionStatus string

const (
	AgentExecPending   AgentExecutionStatus = "pending"
	AgentExecRunning   AgentExecutionStatus = "running"
	AgentExecCompleted AgentExecutionStatus = "completed"
	AgentExecFailed    AgentExecutionStatus = "failed"
	AgentExecCancelled AgentExecutionStatus = "cancelled"
	AgentExecTimeout   AgentExecutionStatus = "timeout"
)

// Terminal reports whether no further transition can occur.
func (s AgentExecutionStatus) Terminal() bool {
	switch s {
	case AgentExecCompleted, AgentExecFailed, AgentExecCancelled, AgentExecTimeout:
		return true
	}
	return false
}

// NodeStatus represents the dispatch state of a node within one execution.
type NodeStatus string

const (
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// EdgeStatus represents the evaluation state of an edge within one execution.
// An edge is never evaluated, evaluated-false (dropped), or evaluated-true
// (active), and an active edge becomes consumed when its target dispatches.
type EdgeStatus string

const (
	EdgeStatusActive   EdgeStatus = "active"
	EdgeStatusDropped  EdgeStatus = "dropped"
	EdgeStatusConsumed EdgeStatus = "consumed"
)
