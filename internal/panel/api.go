package panel

import (
	"net/http"
	"time"

	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// --- Response shapes ---

type workflowSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Steps       int      `json:"steps"`
	Schedule    string   `json:"schedule,omitempty"`
}

type executionSummary struct {
	ID          string               `json:"id"`
	WorkflowID  string               `json:"workflowId"`
	Status      flow.ExecutionStatus `json:"status"`
	StartTime   time.Time            `json:"startTime"`
	EndTime     *time.Time           `json:"endTime,omitempty"`
	CurrentStep string               `json:"currentStep,omitempty"`
	Initiator   string               `json:"initiator,omitempty"`
	Archived    bool                 `json:"archived,omitempty"`
}

// --- Handlers ---

// handleListWorkflows lists stored definitions; ?q= narrows by search.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		defs []*flow.WorkflowDefinition
		err  error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		defs, err = s.deps.Definitions.Search(ctx, q)
	} else {
		defs, err = s.deps.Definitions.List(ctx)
	}
	if err != nil {
		s.deps.Logger.Error("list workflows failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	out := make([]workflowSummary, 0, len(defs))
	for _, def := range defs {
		out = append(out, workflowSummary{
			ID:          def.ID,
			Name:        def.Name,
			Description: def.Description,
			Version:     def.Version,
			Tags:        def.Tags,
			Steps:       len(def.Steps),
			Schedule:    def.Schedule,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

// handleGetWorkflow returns one full stored definition.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Definitions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleListExecutions lists live executions, newest first. ?status= and
// ?workflowId= filter; ?archived=true lists archived runs from the store
// instead of the live registry.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	workflowID := r.URL.Query().Get("workflowId")
	limit := queryInt(r, "limit", 50)

	if r.URL.Query().Get("archived") == "true" {
		s.listArchivedRuns(w, r, workflowID, status, limit)
		return
	}

	out := make([]executionSummary, 0, limit)
	for _, exec := range s.deps.Engine.ListExecutions() {
		if status != "" && string(exec.Status) != status {
			continue
		}
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, executionSummary{
			ID:          exec.ID,
			WorkflowID:  exec.WorkflowID,
			Status:      exec.Status,
			StartTime:   exec.StartTime,
			EndTime:     exec.EndTime,
			CurrentStep: exec.CurrentStep,
			Initiator:   exec.Initiator,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

func (s *Server) listArchivedRuns(w http.ResponseWriter, r *http.Request, workflowID, status string, limit int) {
	filter := store.RunFilter{
		WorkflowID: workflowID,
		Limit:      limit,
		Offset:     queryInt(r, "offset", 0),
	}
	if status != "" {
		st := flow.ExecutionStatus(status)
		filter.Status = &st
	}

	runs, err := s.deps.Archive.ListRuns(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("list archived runs failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	out := make([]executionSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, executionSummary{
			ID:         run.ExecutionID,
			WorkflowID: run.WorkflowID,
			Status:     run.Status,
			StartTime:  run.StartTime,
			EndTime:    run.EndTime,
			Initiator:  run.Initiator,
			Archived:   true,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": out})
}

// handleGetExecution returns a live execution snapshot, falling back to the
// run archive for executions the registry has evicted. ?events=true appends
// the durable event timeline.
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var payload map[string]any
	if exec := s.deps.Engine.GetExecution(id); exec != nil {
		payload = map[string]any{"execution": exec}
	} else {
		run, err := s.deps.Archive.GetRun(ctx, id)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		payload = map[string]any{"execution": run, "archived": true}
	}

	if r.URL.Query().Get("events") == "true" {
		events, err := s.deps.Archive.GetEvents(ctx, id, 0)
		if err != nil {
			s.deps.Logger.Warn("load events failed", "execution_id", id, "error", err)
		} else {
			payload["events"] = events
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleCancelExecution requests cooperative cancellation of a run.
func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Engine.CancelExecution(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "executionId": id})
}
