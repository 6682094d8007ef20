package tools

import (
	"context"
	"encoding/json"
)

// Tool is an executable unit of work behind a workflow tool step.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Invoke(ctx context.Context, params map[string]any) (any, error)
}

// Invoker is what the step executor calls to run a tool by name. The
// registry implements it; tests substitute fakes.
type Invoker interface {
	CallTool(ctx context.Context, name string, params map[string]any) (any, error)
}

// ToolSchema describes the input/output contract of a tool as JSON Schema
// documents. Either side may be empty for tools without a fixed shape.
type ToolSchema struct {
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Info is a summary of a registered tool for listing.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Provider contributes a namespaced set of tools, registered in bulk as
// "<namespace>.<name>".
type Provider interface {
	Namespace() string
	Tools() []Tool
}
