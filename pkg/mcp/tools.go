package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stepflow-io/stepflow/internal/diagram"
	"github.com/stepflow-io/stepflow/internal/engine"
	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/internal/tools"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// handleDefine validates and saves a workflow definition.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def flow.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	if s.validator != nil {
		if valErr := s.validator.ValidateDefinition(&def); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", valErr)), nil
		}
	}

	if saveErr := s.definitions.Save(ctx, &def); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save workflow: %v", saveErr)), nil
	}

	s.publish(ctx, def.ID, flow.EventWorkflowSaved, map[string]any{
		"name":  def.Name,
		"steps": len(def.Steps),
	})

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": def.ID,
		"steps":       len(def.Steps),
	})
}

// handleRun starts an execution of a stored workflow.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	args := mcp.ParseStringMap(req, "arguments", nil)

	executionID, runErr := s.engine.Start(ctx, engine.RunRequest{
		WorkflowID: workflowID,
		Arguments:  args,
		Initiator:  "mcp",
	})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", runErr)), nil
	}

	if req.GetString("notify", "") == "true" {
		s.watchSession(ctx, executionID)
	}

	return marshalResult(map[string]any{
		"execution_id": executionID,
		"workflow_id":  workflowID,
		"status":       string(flow.StatusRunning),
	})
}

// handleStatus returns the current state of an execution, falling back to
// the run archive once the live registry has evicted it.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if exec := s.engine.GetExecution(executionID); exec != nil {
		return marshalResult(map[string]any{"execution": exec})
	}

	if s.archive != nil {
		if run, runErr := s.archive.GetRun(ctx, executionID); runErr == nil {
			return marshalResult(map[string]any{"execution": run, "archived": true})
		}
	}
	return mcp.NewToolResultError(fmt.Sprintf("execution %s not found", executionID)), nil
}

// handleCancel requests cooperative cancellation of a running execution.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.engine.CancelExecution(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleDelete removes a workflow definition and optionally its archived runs.
func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if delErr := s.definitions.Delete(ctx, workflowID); delErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete failed: %v", delErr)), nil
	}

	result := map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
	}

	if req.GetString("purge_runs", "") == "true" && s.archive != nil {
		if n, purgeErr := s.archive.DeleteRuns(ctx, workflowID); purgeErr != nil {
			s.logger.WarnContext(ctx, "purge archived runs",
				"workflow_id", workflowID, "error", purgeErr)
		} else {
			result["purged_runs"] = n
		}
	}

	s.publish(ctx, workflowID, flow.EventWorkflowDeleted, nil)
	return marshalResult(result)
}

// handleQuery lists workflows, executions, events, or tools based on filters.
// An optional jq expression reshapes the payload before it is returned.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	var payload map[string]any
	var queryErr error
	switch resource {
	case "workflows":
		payload, queryErr = s.queryWorkflows(ctx, req.GetString("search", ""))
	case "executions":
		payload, queryErr = s.queryExecutions(ctx, filter)
	case "events":
		payload, queryErr = s.queryEvents(ctx, filter)
	case "tools":
		payload, queryErr = s.queryTools()
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
	if queryErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", queryErr)), nil
	}

	if expr := req.GetString("jq", ""); expr != "" {
		return s.applyJQ(ctx, expr, payload)
	}
	return marshalResult(payload)
}

// handleDiagram renders a workflow graph as Mermaid text or a PNG image,
// optionally overlaying per-step status from an execution.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	format := req.GetString("format", "mermaid")
	if format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be mermaid or image"), nil
	}

	def, defErr := s.definitions.Get(ctx, workflowID)
	if defErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", defErr)), nil
	}

	var exec *flow.Execution
	if executionID := req.GetString("execution_id", ""); executionID != "" {
		exec = s.engine.GetExecution(executionID)
		if exec == nil && s.archive != nil {
			if run, runErr := s.archive.GetRun(ctx, executionID); runErr == nil {
				exec = executionFromRun(run)
			}
		}
		if exec == nil {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s not found", executionID)), nil
		}
		if exec.WorkflowID != def.ID {
			return mcp.NewToolResultError(fmt.Sprintf("execution %s belongs to workflow %q, not %q", executionID, exec.WorkflowID, def.ID)), nil
		}
	}

	model, buildErr := diagram.Build(def, exec)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultError("unsupported format"), nil
	}
}

// handleSecret manages vault secrets. Values go in but never come back out
// over this surface; workflows read them through the secret.get tool.
func (s *Server) handleSecret(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	if s.vault == nil {
		return mcp.NewToolResultError("secret vault is not configured"), nil
	}

	switch action {
	case "set":
		key := req.GetString("key", "")
		if key == "" {
			return mcp.NewToolResultError("key is required for set"), nil
		}
		value := req.GetString("value", "")
		if value == "" {
			return mcp.NewToolResultError("value is required for set"), nil
		}
		if storeErr := s.vault.Store(ctx, key, []byte(value)); storeErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to store secret: %v", storeErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "key": key})

	case "delete":
		key := req.GetString("key", "")
		if key == "" {
			return mcp.NewToolResultError("key is required for delete"), nil
		}
		if delErr := s.vault.Delete(ctx, key); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to delete secret: %v", delErr)), nil
		}
		return marshalResult(map[string]any{"ok": true, "key": key})

	case "list":
		keys, listErr := s.vault.List(ctx)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list secrets: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"keys": keys, "count": len(keys)})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryWorkflows(ctx context.Context, search string) (map[string]any, error) {
	var (
		defs []*flow.WorkflowDefinition
		err  error
	)
	if search != "" {
		defs, err = s.definitions.Search(ctx, search)
	} else {
		defs, err = s.definitions.List(ctx)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"workflows": defs}, nil
}

func (s *Server) queryExecutions(ctx context.Context, filter map[string]any) (map[string]any, error) {
	if extractBool(filter, "archived") {
		if s.archive == nil {
			return nil, flow.NewError(flow.ErrCodeStore, "no run archive configured")
		}
		rf := store.RunFilter{
			WorkflowID: extractString(filter, "workflow_id"),
			Initiator:  extractString(filter, "initiator"),
			Limit:      extractInt(filter, "limit", 50),
			Offset:     extractInt(filter, "offset", 0),
		}
		if status := extractString(filter, "status"); status != "" {
			st := flow.ExecutionStatus(status)
			rf.Status = &st
		}
		if since := extractString(filter, "since"); since != "" {
			if ts, err := time.Parse(time.RFC3339, since); err == nil {
				rf.Since = &ts
			}
		}
		runs, err := s.archive.ListRuns(ctx, rf)
		if err != nil {
			return nil, err
		}
		return map[string]any{"executions": runs, "archived": true}, nil
	}

	status := extractString(filter, "status")
	workflowID := extractString(filter, "workflow_id")
	initiator := extractString(filter, "initiator")
	limit := extractInt(filter, "limit", 50)

	execs := s.engine.ListExecutions()
	out := make([]*flow.Execution, 0, len(execs))
	for _, exec := range execs {
		if status != "" && string(exec.Status) != status {
			continue
		}
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		if initiator != "" && exec.Initiator != initiator {
			continue
		}
		out = append(out, exec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return map[string]any{"executions": out}, nil
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (map[string]any, error) {
	if s.archive == nil {
		return nil, flow.NewError(flow.ErrCodeStore, "no event log configured")
	}
	eventType := extractString(filter, "event_type")
	executionID := extractString(filter, "execution_id")

	if eventType != "" {
		ef := store.EventFilter{
			ExecutionID: executionID,
			WorkflowID:  extractString(filter, "workflow_id"),
			StepID:      extractString(filter, "step_id"),
			Limit:       extractInt(filter, "limit", 100),
		}
		if since := extractString(filter, "since"); since != "" {
			if ts, err := time.Parse(time.RFC3339, since); err == nil {
				ef.Since = &ts
			}
		}
		events, err := s.archive.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return nil, err
		}
		return map[string]any{"events": events}, nil
	}

	if executionID == "" {
		return nil, flow.NewError(flow.ErrCodeValidation,
			"event query requires either 'event_type' or 'execution_id' in filter")
	}
	events, err := s.archive.GetEvents(ctx, executionID, int64(extractInt(filter, "since_sequence", 0)))
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

func (s *Server) queryTools() (map[string]any, error) {
	infos := []tools.Info{}
	if s.catalog != nil {
		infos = s.catalog.List()
	}
	return map[string]any{"tools": infos, "count": len(infos)}, nil
}

// applyJQ runs a jq expression over the query payload. The typed payload
// goes through a JSON round trip first because gojq only evaluates plain
// maps, slices, and scalars.
func (s *Server) applyJQ(ctx context.Context, expr string, payload map[string]any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to decode result: %v", err)), nil
	}

	out, jqErr := s.jq.Evaluate(ctx, expr, doc)
	if jqErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("jq filter failed: %v", jqErr)), nil
	}
	return marshalResult(out)
}

// --- Internal helpers ---

// publish emits a definition lifecycle event on the hub. Best effort, like
// all hub traffic.
func (s *Server) publish(ctx context.Context, workflowID, eventType string, payload any) {
	if s.hub == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	if err := s.hub.Publish(ctx, streaming.Event{
		WorkflowID: workflowID,
		Type:       eventType,
		Payload:    raw,
		Timestamp:  time.Now().UTC(),
	}); err != nil {
		s.logger.WarnContext(ctx, "publish definition event",
			"event_type", eventType, "workflow_id", workflowID, "error", err)
	}
}

// watchSession subscribes the calling MCP session to progress notifications
// for the given execution. No-op when the request carries no session.
func (s *Server) watchSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Watch(executionID, session.SessionID())
	}
}

// executionFromRun rebuilds enough of an execution from its archived record
// to drive a diagram status overlay.
func executionFromRun(run *store.RunRecord) *flow.Execution {
	exec := &flow.Execution{
		ID:         run.ExecutionID,
		WorkflowID: run.WorkflowID,
		Status:     run.Status,
		StartTime:  run.StartTime,
		EndTime:    run.EndTime,
		Initiator:  run.Initiator,
	}
	if len(run.Results) > 0 {
		_ = json.Unmarshal(run.Results, &exec.Results)
	}
	return exec
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// extractString safely extracts a string from a filter map.
func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	s, _ := filter[key].(string)
	return s
}

// extractBool safely extracts a boolean from a filter map. Accepts the
// string "true" as well, since some clients send every filter value as text.
func extractBool(filter map[string]any, key string) bool {
	if filter == nil {
		return false
	}
	switch v := filter[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}
