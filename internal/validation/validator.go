package validation

import "github.com/stepflow-io/stepflow/pkg/flow"

// Validator checks workflow definitions for correctness before they are
// stored. Uses JSON Schema Draft 2020-12 for structural validation.
type Validator interface {
	ValidateDefinition(def *flow.WorkflowDefinition) error
	ValidateData(data map[string]any, dataSchema []byte) error
}

// ToolLookup reports whether a tool name is known to the registry.
// A nil lookup skips tool existence checks.
type ToolLookup interface {
	Has(name string) bool
}
