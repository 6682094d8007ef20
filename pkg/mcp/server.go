package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/internal/secrets"
	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/internal/tools"
	"github.com/stepflow-io/stepflow/internal/validation"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// Engine is the execution surface the tool handlers drive.
// *engine.Controller implements it.
type Engine interface {
	Start(ctx context.Context, req engine.RunRequest) (string, error)
	GetExecution(id string) *flow.Execution
	ListExecutions() []*flow.Execution
	CancelExecution(ctx context.Context, id string) error
}

// ToolCatalog lists the registered workflow tools for stepflow.query.
// *tools.Registry implements it.
type ToolCatalog interface {
	List() []tools.Info
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine      Engine
	Definitions store.DefinitionStore
	Archive     store.Store
	Validator   validation.Validator
	Vault       secrets.Vault
	Tools       ToolCatalog
	Hub         streaming.EventHub
	Logger      *slog.Logger
	// Version is advertised to clients during initialize; "dev" when empty.
	Version string
}

// Server wraps an MCP server with the stepflow tool handlers.
type Server struct {
	engine      Engine
	definitions store.DefinitionStore
	archive     store.Store
	validator   validation.Validator
	vault       secrets.Vault
	catalog     ToolCatalog
	hub         streaming.EventHub
	logger      *slog.Logger
	sessions    *SessionRegistry
	jq          *expressions.GoJQEngine
	mcpServer   *server.MCPServer
	notifier    *Notifier
}

// NewServer creates a Server with all 8 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		engine:      deps.Engine,
		definitions: deps.Definitions,
		archive:     deps.Archive,
		validator:   deps.Validator,
		vault:       deps.Vault,
		catalog:     deps.Tools,
		hub:         deps.Hub,
		logger:      logger,
		sessions:    NewSessionRegistry(),
		jq:          expressions.NewGoJQEngine(),
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs user-authored multi-step workflows. Use stepflow.define to save a workflow, stepflow.run to start one (returns an execution ID immediately), stepflow.status to inspect progress and results, stepflow.cancel to stop a run, stepflow.query to list workflows/executions/events/tools, stepflow.diagram to visualize a workflow, and stepflow.secret to manage vault secrets."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if deps.Hub != nil {
		s.notifier = NewNotifier(mcpSrv, s.sessions, deps.Hub, logger)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.notifier != nil {
		if err := s.notifier.Start(ctx); err != nil {
			return err
		}
		defer s.notifier.Stop()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE starts the HTTP+SSE transport on addr and blocks until ctx is
// cancelled.
func (s *Server) ServeSSE(ctx context.Context, addr string) error {
	if s.notifier != nil {
		if err := s.notifier.Start(ctx); err != nil {
			return err
		}
		defer s.notifier.Stop()
	}

	sse := server.NewSSEServer(s.mcpServer,
		server.WithKeepAlive(true),
		server.WithKeepAliveInterval(30*time.Second),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- sse.Start(addr) }()
	s.logger.Info("mcp sse transport listening", "addr", addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sse.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("sse transport shutdown", "error", err)
		}
		<-errCh
		return nil
	}
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 8 registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: deleteTool(), Handler: s.handleDelete},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: secretTool(), Handler: s.handleSecret},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("stepflow.define",
		mcp.WithDescription("Save a workflow definition. Validates structure and step references before storing"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Full workflow definition document (id, name, steps, ...)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Start a workflow execution and return its execution ID immediately"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("arguments", mcp.Description("Run arguments matching the workflow's declared arguments")),
		mcp.WithString("notify", mcp.Description("Set to \"true\" to receive progress notifications for this run on the current session")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the state of an execution: status, current step, per-step results, errors, and logs"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID returned by stepflow.run")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Request cooperative cancellation of a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("stepflow.delete",
		mcp.WithDescription("Delete a workflow definition, optionally purging its archived runs"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to delete")),
		mcp.WithString("purge_runs", mcp.Description("Set to \"true\" to also delete archived runs of this workflow")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("stepflow.query",
		mcp.WithDescription("Query workflows, executions, events, or available tools"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "events", "tools"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithString("search", mcp.Description("Case-insensitive substring match over workflow name, description, and tags (workflows only)")),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, workflow_id, execution_id, initiator, event_type, since, since_sequence, limit, offset, archived)")),
		mcp.WithString("jq", mcp.Description("Optional jq expression applied to the result payload")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepflow.diagram",
		mcp.WithDescription("Generate a visual diagram of a workflow. Returns Mermaid flowchart syntax or a base64-encoded PNG image"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to diagram")),
		mcp.WithString("execution_id", mcp.Description("Overlay per-step status from this execution")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "image"),
			mcp.Description("Output format: mermaid (default) or image (base64 PNG)"),
		),
	)
}

func secretTool() mcp.Tool {
	return mcp.NewTool("stepflow.secret",
		mcp.WithDescription("Manage vault secrets. Values can be set, deleted, and listed but never read back over MCP"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("set", "delete", "list"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("key", mcp.Description("Secret name (required for set and delete)")),
		mcp.WithString("value", mcp.Description("Secret value (required for set)")),
	)
}
