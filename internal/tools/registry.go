package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// Registry is the concrete thread-safe tool registry. It backs both the
// Invoker used by the step executor and the lookup used by validation.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		tools:  make(map[string]Tool),
	}
}

// Register adds a tool to the registry. Returns an error on duplicate name.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return flow.NewError(flow.ErrCodeValidation, "tool is nil")
	}
	name := tool.Name()
	if name == "" {
		return flow.NewError(flow.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return flow.NewErrorf(flow.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// RegisterProvider bulk-registers a provider's tools under its namespace.
// Each tool name becomes "<namespace>.<name>". Returns how many were added.
func (r *Registry) RegisterProvider(p Provider) (int, error) {
	if p == nil {
		return 0, flow.NewError(flow.ErrCodeValidation, "provider is nil")
	}
	namespace := p.Namespace()
	if namespace == "" {
		return 0, flow.NewError(flow.ErrCodeValidation, "provider namespace is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, tool := range p.Tools() {
		prefixed := fmt.Sprintf("%s.%s", namespace, tool.Name())
		if _, exists := r.tools[prefixed]; exists {
			return registered, flow.NewErrorf(flow.ErrCodeConflict, "provider tool %q already registered", prefixed)
		}
		r.tools[prefixed] = &prefixedTool{inner: tool, name: prefixed}
		registered++
	}
	return registered, nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, flow.NewErrorf(flow.ErrCodeToolFailed, "tool %q not registered", name)
	}
	return tool, nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for _, tool := range r.tools {
		infos = append(infos, Info{
			Name:        tool.Name(),
			Description: tool.Description(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// CallTool looks up and invokes a tool. Errors that carry no structured code
// are wrapped as TOOL_FAILED so the controller sees a uniform surface.
func (r *Registry) CallTool(ctx context.Context, name string, params map[string]any) (any, error) {
	tool, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	result, err := tool.Invoke(ctx, params)
	if err != nil {
		var flowErr *flow.Error
		if errors.As(err, &flowErr) {
			return nil, err
		}
		return nil, flow.NewErrorf(flow.ErrCodeToolFailed, "%s: %v", name, err).WithCause(err)
	}
	return result, nil
}

// prefixedTool wraps a provider tool with a namespaced name.
type prefixedTool struct {
	inner Tool
	name  string
}

func (p *prefixedTool) Name() string        { return p.name }
func (p *prefixedTool) Description() string { return p.inner.Description() }
func (p *prefixedTool) Schema() ToolSchema  { return p.inner.Schema() }

func (p *prefixedTool) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return p.inner.Invoke(ctx, params)
}

var _ Invoker = (*Registry)(nil)
