package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// DataValidator validates a data map against a JSON Schema document.
// Satisfied by validation.JSONSchemaValidator.
type DataValidator interface {
	ValidateData(data map[string]any, dataSchema []byte) error
}

// AssertTools returns the assert.equals, assert.contains, and assert.schema
// tools. Assertion failures surface as ASSERTION_FAILED errors so a stop
// strategy halts the workflow on the failing check.
func AssertTools(validator DataValidator) []Tool {
	return []Tool{
		&assertEqualsTool{},
		&assertContainsTool{},
		&assertSchemaTool{validator: validator},
	}
}

// normalizeJSON converts Go numeric types to float64 for consistent
// deep-equal comparison. JSON unmarshaling produces float64 for numbers;
// this normalizes int, int64, json.Number so reflect.DeepEqual works
// across boundaries.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

var passResult = map[string]any{"pass": true}

func assertMessage(params map[string]any, fallback string) string {
	if m, ok := params["message"].(string); ok && m != "" {
		return m
	}
	return fallback
}

// --- assert.equals ---

type assertEqualsTool struct{}

func (t *assertEqualsTool) Name() string        { return "assert.equals" }
func (t *assertEqualsTool) Description() string { return "Assert that two values are deeply equal" }
func (t *assertEqualsTool) Schema() ToolSchema  { return ToolSchema{} }

func (t *assertEqualsTool) Invoke(_ context.Context, params map[string]any) (any, error) {
	if _, ok := params["expected"]; !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "assert.equals requires 'expected' parameter")
	}
	if _, ok := params["actual"]; !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "assert.equals requires 'actual' parameter")
	}

	expected := normalizeJSON(params["expected"])
	actual := normalizeJSON(params["actual"])
	if reflect.DeepEqual(expected, actual) {
		return passResult, nil
	}

	return nil, flow.NewError(flow.ErrCodeAssertion, assertMessage(params, "assertion failed: values are not equal")).
		WithDetails(map[string]any{"expected": params["expected"], "actual": params["actual"]})
}

// --- assert.contains ---

type assertContainsTool struct{}

func (t *assertContainsTool) Name() string        { return "assert.contains" }
func (t *assertContainsTool) Description() string { return "Assert that a string or array contains a value" }
func (t *assertContainsTool) Schema() ToolSchema  { return ToolSchema{} }

func (t *assertContainsTool) Invoke(_ context.Context, params map[string]any) (any, error) {
	if _, ok := params["haystack"]; !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "assert.contains requires 'haystack' parameter")
	}
	if _, ok := params["needle"]; !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "assert.contains requires 'needle' parameter")
	}

	haystack := params["haystack"]
	needle := params["needle"]
	msg := assertMessage(params, "assertion failed: value not found")

	switch hs := haystack.(type) {
	case string:
		if strings.Contains(hs, fmt.Sprintf("%v", needle)) {
			return passResult, nil
		}
	case []any:
		normalizedNeedle := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), normalizedNeedle) {
				return passResult, nil
			}
		}
	default:
		return nil, flow.NewErrorf(flow.ErrCodeValidation,
			"assert.contains: haystack must be string or array, got %T", haystack)
	}

	return nil, flow.NewError(flow.ErrCodeAssertion, msg).
		WithDetails(map[string]any{"haystack": haystack, "needle": needle})
}

// --- assert.schema ---

type assertSchemaTool struct {
	validator DataValidator
}

func (t *assertSchemaTool) Name() string        { return "assert.schema" }
func (t *assertSchemaTool) Description() string { return "Assert that data conforms to a JSON Schema" }
func (t *assertSchemaTool) Schema() ToolSchema  { return ToolSchema{} }

func (t *assertSchemaTool) Invoke(_ context.Context, params map[string]any) (any, error) {
	if _, ok := params["data"]; !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "assert.schema requires 'data' parameter")
	}
	schemaObj, ok := params["schema"]
	if !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "assert.schema requires 'schema' parameter")
	}

	schemaBytes, err := json.Marshal(schemaObj)
	if err != nil {
		return nil, flow.NewErrorf(flow.ErrCodeValidation, "assert.schema: failed to serialize schema: %v", err)
	}
	dataMap, ok := params["data"].(map[string]any)
	if !ok {
		return nil, flow.NewError(flow.ErrCodeValidation, "assert.schema: data must be an object")
	}

	if err := t.validator.ValidateData(dataMap, schemaBytes); err != nil {
		details := map[string]any{"error": err.Error()}
		var flowErr *flow.Error
		if errors.As(err, &flowErr) && flowErr.Details != nil {
			details["violations"] = flowErr.Details["violations"]
		}
		return nil, flow.NewError(flow.ErrCodeAssertion,
			assertMessage(params, "assertion failed: data does not match schema")).WithDetails(details)
	}
	return passResult, nil
}
