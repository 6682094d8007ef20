package tools

import (
	"context"
	"encoding/json"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// UtilTools returns the util.echo and util.fail tools. Both exist for
// wiring checks and for exercising failure paths in workflows and tests.
func UtilTools() []Tool {
	return []Tool{
		&utilEchoTool{},
		&utilFailTool{},
	}
}

const utilFailInputSchema = `{
  "type": "object",
  "properties": {
    "message": {"type": "string"},
    "code": {"type": "string"}
  }
}`

// --- util.echo ---

type utilEchoTool struct{}

func (t *utilEchoTool) Name() string        { return "util.echo" }
func (t *utilEchoTool) Description() string { return "Return the given value (or all params) unchanged" }
func (t *utilEchoTool) Schema() ToolSchema  { return ToolSchema{} }

func (t *utilEchoTool) Invoke(_ context.Context, params map[string]any) (any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	if value, ok := params["value"]; ok {
		return value, nil
	}
	return params, nil
}

// --- util.fail ---

type utilFailTool struct{}

func (t *utilFailTool) Name() string        { return "util.fail" }
func (t *utilFailTool) Description() string { return "Fail with the given message, for exercising error paths" }

func (t *utilFailTool) Schema() ToolSchema {
	return ToolSchema{Input: json.RawMessage(utilFailInputSchema)}
}

func (t *utilFailTool) Invoke(_ context.Context, params map[string]any) (any, error) {
	msg := stringParam(params, "message", "util.fail invoked")
	code := stringParam(params, "code", flow.ErrCodeToolFailed)
	return nil, flow.NewError(code, msg)
}
