package schema

import "encoding/json"

// OverridesVar is the reserved working-variable key under which the caller's
// override block is stored verbatim at execution start. Node dispatch reads
// it to detect and apply per-node overrides.
const OverridesVar = "__overrides"

// ChainGraph is the JSON-serializable chain format: a directed graph of
// executable nodes with optionally guarded edges. Immutable per chain,
// versioned by edits; the engine only ever reads it.
type ChainGraph struct {
	Nodes       []NodeDefinition `json:"nodes"`
	Edges       []EdgeDefinition `json:"edges,omitempty"`
	InputSchema json.RawMessage  `json:"input_schema,omitempty"`
	Timeout     string           `json:"timeout,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// NodeType enumerates the kinds of nodes in a chain.
type NodeType string

const (
	NodeTypeAgent     NodeType = "agent"
	NodeTypeTool      NodeType = "tool"
	NodeTypeCondition NodeType = "condition"
	NodeTypeStart     NodeType = "start"
	NodeTypeEnd       NodeType = "end"
)

// NodeDefinition describes a single node in a chain.
type NodeDefinition struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`

	// Ref is the agent or tool registry id. Empty for condition/start/end.
	Ref string `json:"ref,omitempty"`

	// Expression is the boolean expression of a condition node, evaluated
	// against the working variables.
	Expression string `json:"expression,omitempty"`

	// Language selects the expression engine: "expr" (default) or "cel".
	Language string `json:"language,omitempty"`

	// Params are static parameters merged into the node input at dispatch.
	Params json.RawMessage `json:"params,omitempty"`

	// OutputSelector is an optional jq expression applied to the node's raw
	// output before it is merged into the working variables.
	OutputSelector string `json:"output_selector,omitempty"`

	Timeout      string       `json:"timeout,omitempty"`       // per-node dispatch deadline (e.g. "300s")
	PollInterval string       `json:"poll_interval,omitempty"` // agent nodes: status poll cadence
	FailOpen     bool         `json:"fail_open,omitempty"`     // continue the execution on node failure
	Retry        *RetryPolicy `json:"retry,omitempty"`
}

// EdgeDefinition describes a directed link between two nodes, optionally
// guarded by a condition over the working variables.
type EdgeDefinition struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
	Language  string `json:"language,omitempty"`
	Label     string `json:"label,omitempty"`
}

// RetryPolicy configures retry behavior for a node.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts (0 = single attempt)
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on computed delay
}

// AgentSpec is the executable configuration of a registered agent.
type AgentSpec struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Model    string          `json:"model"`
	Status   string          `json:"status"` // active | disabled
	Config   json.RawMessage `json:"config,omitempty"`
	Timeout  string          `json:"timeout,omitempty"` // per-execution wall-clock limit
}

// Executable reports whether the agent may be started.
func (a *AgentSpec) Executable() bool {
	return a.Status == "" || a.Status == "active"
}
