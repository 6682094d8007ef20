package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.io/schemas/workflow.json",
  "type": "object",
  "required": ["id", "name", "steps"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"
    },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "description": { "type": "string" },
    "version": { "type": "string" },
    "tags": {
      "type": "array",
      "items": { "type": "string" }
    },
    "arguments": {
      "type": "array",
      "items": { "$ref": "#/$defs/argument" }
    },
    "variables": {
      "type": "object"
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "errorHandling": { "$ref": "#/$defs/errorHandling" },
    "schedule": { "type": "string" },
    "scheduleArguments": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "argument": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["string", "number", "boolean", "object", "array"]
        },
        "description": { "type": "string" },
        "required": { "type": "boolean" },
        "defaultValue": {},
        "validationRule": { "type": "string" }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["tool", "prompt", "condition", "loop", "parallel", "delay"]
        },
        "timeoutMs": {
          "type": "integer",
          "minimum": 0
        },
        "tool": { "type": "string" },
        "parameters": {
          "type": "object"
        },
        "prompt": { "type": "string" },
        "condition": { "type": "string" },
        "delayMs": {
          "type": "integer",
          "minimum": 0
        },
        "parallel": {
          "type": "array",
          "items": { "type": "string" }
        },
        "loopVariable": { "type": "string" },
        "loopItems": {
          "type": "array"
        },
        "body": {
          "type": "array",
          "items": { "type": "string" }
        },
        "onSuccess": { "type": "string" },
        "onFailure": { "type": "string" }
      },
      "additionalProperties": false
    },
    "errorHandling": {
      "type": "object",
      "required": ["strategy"],
      "properties": {
        "strategy": {
          "type": "string",
          "enum": ["stop", "continue", "retry"]
        },
        "maxRetries": {
          "type": "integer",
          "minimum": 0
        },
        "retryDelayMs": {
          "type": "integer",
          "minimum": 0
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements the Validator interface using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newDataCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://stepflow.io/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://stepflow.io/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *flow.WorkflowDefinition) error {
	if def == nil {
		return flow.NewError(flow.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return flow.NewError(flow.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}

	// Structural checks that JSON Schema cannot express: duplicate step IDs.
	seen := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if _, exists := seen[step.ID]; exists {
			return flow.NewErrorf(flow.ErrCodeValidation, "duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}
	}

	return nil
}

// ValidateData validates arbitrary data against a JSON Schema provided as raw
// bytes. Backs the assert.schema builtin tool. The schema is compiled and
// cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateData(data map[string]any, dataSchema []byte) error {
	if data == nil {
		return flow.NewError(flow.ErrCodeValidation, "data is nil")
	}
	if len(dataSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(dataSchema)
	if err != nil {
		return flow.NewError(flow.ErrCodeValidation, "invalid data schema").WithCause(err)
	}

	// Convert data to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(data)
	if err != nil {
		return flow.NewError(flow.ErrCodeValidation, "failed to serialize data").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("stepflow://data-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := newDataCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newDataCompiler creates a Compiler with format assertions enabled.
func newDataCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a flow.Error with
// one message per violated constraint.
func toFlowError(err error) *flow.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return flow.NewError(flow.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return flow.NewError(flow.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return flow.NewError(flow.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return flow.NewError(flow.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
