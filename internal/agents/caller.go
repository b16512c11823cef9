package agents

import (
	"context"
	"encoding/json"

	"github.com/rendis/chainflow/pkg/schema"
)

// ModelCaller performs the actual downstream model invocation for an agent.
// Implementations wrap whatever transport the deployment uses; the lifecycle
// only cares about the blocking call-and-result contract. The passed context
// carries the execution deadline and cancellation signal.
type ModelCaller interface {
	Invoke(ctx context.Context, agent *schema.AgentSpec, params json.RawMessage) (json.RawMessage, error)
}

// CallerFunc adapts a function to the ModelCaller interface.
type CallerFunc func(ctx context.Context, agent *schema.AgentSpec, params json.RawMessage) (json.RawMessage, error)

// Invoke implements ModelCaller.
func (f CallerFunc) Invoke(ctx context.Context, agent *schema.AgentSpec, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, agent, params)
}
