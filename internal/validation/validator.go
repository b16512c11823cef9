// Package validation checks chain definitions before they are stored and
// execution inputs before they run. Structural checks (shape, references,
// cycles) live in the chain validator; JSON Schema Draft 2020-12 covers
// document and input validation.
package validation

import "github.com/rendis/chainflow/pkg/schema"

// Result aggregates validation findings. Errors block saving the chain;
// warnings do not.
type Result = schema.ValidationResult

// RefResolver answers whether agent and tool references exist. Either lookup
// may be nil, which skips that class of checks.
type RefResolver struct {
	HasTool  func(name string) bool
	HasAgent func(id string) bool
}
