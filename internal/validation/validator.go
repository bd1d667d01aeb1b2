// Package validation checks workflow definitions and run inputs before the
// engine touches them, using JSON Schema Draft 2020-12.
package validation

import "github.com/stepflow-io/stepflow/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
