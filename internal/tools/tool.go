package tools

import (
	"context"
	"encoding/json"
)

// Tool is an executable unit of work referenced by TOOL nodes in a chain.
type Tool interface {
	Name() string
	Schema() ToolSchema
	Execute(ctx context.Context, input ToolInput) (*ToolOutput, error)
	Validate(input map[string]any) error
}

// ToolRegistry manages the lifecycle and lookup of available tools.
type ToolRegistry interface {
	Register(tool Tool) error
	Get(name string) (Tool, error)
	List() []ToolInfo
}

// ToolSchema describes the input/output contract of a tool.
type ToolSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// ToolInput is the data provided to a tool at execution time.
type ToolInput struct {
	Params  map[string]any `json:"params"`
	Context map[string]any `json:"context,omitempty"`
}

// ToolOutput is the result of a tool execution.
type ToolOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// ToolInfo is a summary of a registered tool for listing.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
