package validation

import (
	"errors"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (variant fields, references, arguments, schedule)
// 3. Graph (reachability, cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	tools      ToolLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip tool existence checks.
func NewWorkflowValidator(lookup ToolLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		tools:      lookup,
	}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (wv *WorkflowValidator) Validate(def *flow.WorkflowDefinition) *flow.ValidationResult {
	if def == nil {
		r := &flow.ValidationResult{}
		r.AddError("/", flow.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(def, wv.tools))

	// Stage 3: Graph (skip if semantic errors, references may be dangling).
	if result.Valid() {
		result.Merge(validateGraph(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *flow.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateData delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateData(data map[string]any, dataSchema []byte) error {
	return wv.jsonSchema.ValidateData(data, dataSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *flow.WorkflowDefinition) *flow.ValidationResult {
	result := &flow.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var flowErr *flow.Error
	if !errors.As(err, &flowErr) {
		result.AddError("/", flow.ErrCodeValidation, err.Error())
		return result
	}

	if flowErr.Details != nil {
		if violations, ok := flowErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", flow.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", flow.ErrCodeValidation, flowErr.Message)
	return result
}

var _ Validator = (*WorkflowValidator)(nil)
