package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/internal/logging"
	"github.com/stepflow-io/stepflow/internal/store"
	"github.com/stepflow-io/stepflow/internal/streaming"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// DefaultStepBudget caps how many steps a single run may execute. Authored
// cycles hit the budget and fail instead of spinning forever.
const DefaultStepBudget = 10000

// ControllerConfig tunes run execution.
type ControllerConfig struct {
	// StepBudget overrides DefaultStepBudget when positive.
	StepBudget int
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// RunRequest describes one workflow launch.
type RunRequest struct {
	WorkflowID string
	Arguments  map[string]any
	// Initiator tags who asked for the run ("mcp", "schedule", "panel").
	Initiator string
}

// Controller drives executions from first step to terminal state. Launching
// returns as soon as the run is registered; progress is observable through
// GetExecution, the event log, and the hub.
type Controller struct {
	definitions store.DefinitionStore
	archive     store.Store
	events      *store.EventLog
	registry    *Registry
	runner      *StepRunner
	hub         streaming.EventHub
	logger      *slog.Logger
	stepBudget  int

	wg sync.WaitGroup
}

// NewController wires the controller. archive, events, and hub may be nil
// in embedded use; the registry and runner are required.
func NewController(definitions store.DefinitionStore, archive store.Store, events *store.EventLog, registry *Registry, runner *StepRunner, hub streaming.EventHub, cfg ControllerConfig) *Controller {
	budget := cfg.StepBudget
	if budget <= 0 {
		budget = DefaultStepBudget
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		definitions: definitions,
		archive:     archive,
		events:      events,
		registry:    registry,
		runner:      runner,
		hub:         hub,
		logger:      logger,
		stepBudget:  budget,
	}
}

// ExecuteWorkflow starts a run of the given workflow and returns its
// execution ID. Only start failures are synchronous: unknown workflow,
// missing required arguments, arguments failing their validation rule. The
// run itself proceeds on its own goroutine.
func (c *Controller) ExecuteWorkflow(ctx context.Context, workflowID string, args map[string]any) (string, error) {
	return c.Start(ctx, RunRequest{WorkflowID: workflowID, Arguments: args})
}

// Start launches a run with full request control.
func (c *Controller) Start(ctx context.Context, req RunRequest) (string, error) {
	def, err := c.definitions.Get(ctx, req.WorkflowID)
	if err != nil {
		return "", err
	}

	args, err := resolveArguments(def, req.Arguments)
	if err != nil {
		return "", err
	}

	first := def.FirstStep()
	if first == nil {
		return "", flow.NewErrorf(flow.ErrCodeValidation, "workflow %q has no steps", def.ID)
	}

	exec := &flow.Execution{
		ID:          uuid.NewString(),
		WorkflowID:  def.ID,
		Status:      flow.StatusRunning,
		StartTime:   time.Now().UTC(),
		CurrentStep: first.ID,
		Initiator:   req.Initiator,
		Variables:   expressions.MergeVariables(def.Variables, args),
		Results:     make(map[string]*flow.StepResult),
	}

	// The run outlives the caller's context: derive its lifecycle from the
	// background, carrying only the correlation IDs.
	runCtx, cancel := context.WithCancel(context.Background())
	runCtx = logging.WithIDs(runCtx, def.ID, exec.ID, "")

	r := &liveRun{exec: exec, cancel: cancel}
	c.registry.add(r)
	r.addLog("info", "execution started", "")

	if c.events != nil {
		if err := c.events.ExecutionStarted(runCtx, exec.ID, def.ID, args); err != nil {
			c.logger.WarnContext(runCtx, "record start event", "error", err)
		}
	}
	r.publish(runCtx, c.hub, "", flow.EventExecutionStarted, map[string]any{
		"arguments": args,
	})

	c.wg.Add(1)
	go c.run(runCtx, r, def, args)

	c.logger.InfoContext(runCtx, "execution started",
		"workflow_id", def.ID, "execution_id", exec.ID, "initiator", req.Initiator)
	return exec.ID, nil
}

// GetExecution returns a snapshot of the execution, or nil when unknown.
func (c *Controller) GetExecution(id string) *flow.Execution {
	return c.registry.Get(id)
}

// ListExecutions returns snapshots of all retained executions, most
// recently started first.
func (c *Controller) ListExecutions() []*flow.Execution {
	return c.registry.List()
}

// CancelExecution requests cooperative cancellation of a running execution.
func (c *Controller) CancelExecution(ctx context.Context, id string) error {
	return c.registry.Cancel(ctx, id)
}

// Close cancels every running execution and waits for run goroutines to
// drain, or for the context to expire.
func (c *Controller) Close(ctx context.Context) error {
	for _, exec := range c.registry.List() {
		if exec.Status == flow.StatusRunning {
			_ = c.registry.Cancel(ctx, exec.ID)
		}
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run owns one execution until it terminates. A panic anywhere below is
// caught here, once, and turns into a failed run.
func (c *Controller) run(ctx context.Context, r *liveRun, def *flow.WorkflowDefinition, args map[string]any) {
	defer c.wg.Done()

	var runErr error
	func() {
		defer func() {
			if p := recover(); p != nil {
				runErr = flow.NewErrorf(flow.ErrCodeInternal, "run panicked: %v", p)
				c.logger.ErrorContext(ctx, "run panicked",
					"execution_id", r.exec.ID, "panic", fmt.Sprint(p))
			}
		}()
		runErr = c.walk(ctx, r, def)
	}()

	c.finalize(ctx, r, args, runErr)
}

// walk is the controller loop: resolve the current step, run it, follow the
// declared edge. A nil return means the run ended cleanly (completed, or
// flipped terminal by cancellation); a non-nil return is fatal and fails
// the run.
func (c *Controller) walk(ctx context.Context, r *liveRun, def *flow.WorkflowDefinition) error {
	var (
		steps    int
		retries  int
		strategy = def.StrategyOrDefault()
	)

	for {
		r.mu.Lock()
		current := r.exec.CurrentStep
		status := r.exec.Status
		r.mu.Unlock()
		if current == "" || status != flow.StatusRunning {
			return nil
		}

		steps++
		if steps > c.stepBudget {
			return flow.NewErrorf(flow.ErrCodeStepBudget,
				"run exceeded the %d step budget; the definition likely cycles", c.stepBudget)
		}

		step := def.FindStep(current)
		if step == nil {
			return flow.NewErrorf(flow.ErrCodeUnknownStep,
				"step %q not found in workflow %s", current, def.ID)
		}

		stepCtx := logging.WithStepID(ctx, step.ID)
		c.logger.InfoContext(stepCtx, "executing step",
			"step", step.ID, "type", string(step.Type))
		r.addLog("info", "executing step "+step.ID, step.ID)

		if c.events != nil {
			_ = c.events.StepStarted(stepCtx, r.exec.ID, def.ID, step.ID)
		}
		r.publish(stepCtx, c.hub, step.ID, flow.EventStepStarted, nil)

		// The runner works on a detached copy of the scope, merged back
		// after the step settles; registry snapshots taken mid-step see the
		// pre-step variables.
		r.mu.Lock()
		vars := expressions.DeepCopyMap(r.exec.Variables)
		r.mu.Unlock()

		result, stepErr := c.runner.Run(stepCtx, def, step, vars)

		r.mu.Lock()
		r.exec.Variables = vars
		r.exec.Results[step.ID] = result
		r.mu.Unlock()

		if stepErr == nil {
			if c.events != nil {
				_ = c.events.StepCompleted(stepCtx, r.exec.ID, def.ID, step.ID, result.Result)
			}
			r.publish(stepCtx, c.hub, step.ID, flow.EventStepCompleted, map[string]any{
				"output": result.Result,
			})
			retries = 0
			r.mu.Lock()
			r.exec.CurrentStep = step.OnSuccess
			r.mu.Unlock()
			continue
		}

		// Failure path.
		r.mu.Lock()
		r.exec.Errors = append(r.exec.Errors, flow.ExecutionError{
			Step:      step.ID,
			Error:     stepErr.Error(),
			Timestamp: time.Now().UTC(),
		})
		r.exec.Logs = append(r.exec.Logs, flow.LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     "error",
			Message:   "step failed: " + stepErr.Error(),
			Step:      step.ID,
		})
		r.mu.Unlock()

		if c.events != nil {
			_ = c.events.StepFailed(stepCtx, r.exec.ID, def.ID, step.ID, stepErr)
		}
		r.publish(stepCtx, c.hub, step.ID, flow.EventStepFailed, map[string]any{
			"error": stepErr.Error(),
			"code":  flow.CodeOf(stepErr),
		})
		c.logger.WarnContext(stepCtx, "step failed",
			"step", step.ID, "error", stepErr)

		// A composite step referencing a nonexistent sibling is a
		// definition bug, fatal regardless of strategy.
		if flow.CodeOf(stepErr) == flow.ErrCodeUnknownStep {
			return stepErr
		}

		switch strategy {
		case flow.StrategyRetry:
			limit := retryBudget(def.ErrorHandling)
			if retries >= limit {
				return flow.NewErrorf(flow.ErrCodeRetryExhausted,
					"step %s still failing after %d retries", step.ID, retries).
					WithStep(step.ID).WithCause(stepErr)
			}
			retries++
			if c.events != nil {
				_ = c.events.StepRetrying(stepCtx, r.exec.ID, def.ID, step.ID, retries, stepErr)
			}
			r.publish(stepCtx, c.hub, step.ID, flow.EventStepRetrying, map[string]any{
				"attempt": retries,
			})
			r.addLog("warn", fmt.Sprintf("retrying step %s (attempt %d of %d)", step.ID, retries, limit), step.ID)
			if err := sleepContext(ctx, retryDelay(def.ErrorHandling)); err != nil {
				return flow.NewErrorf(flow.ErrCodeCancelled, "retry wait interrupted: %v", err).
					WithStep(step.ID).WithCause(err)
			}
			// currentStep unchanged: the loop re-enters the same step.

		case flow.StrategyContinue:
			retries = 0
			r.mu.Lock()
			r.exec.CurrentStep = step.OnFailure
			r.mu.Unlock()

		default: // stop
			return stepErr
		}
	}
}

// finalize settles the run exactly once: stamps the terminal status and
// endTime, emits the terminal event, archives the record, and lets the
// registry enforce retention. A run already flipped to paused by Cancel
// keeps that status; Cancel emitted its event already.
func (c *Controller) finalize(ctx context.Context, r *liveRun, args map[string]any, runErr error) {
	now := time.Now().UTC()

	r.mu.Lock()
	cancelled := r.exec.Status != flow.StatusRunning
	switch {
	case cancelled:
		// Status and endTime were stamped by Cancel.
	case runErr != nil:
		r.exec.Status = flow.StatusFailed
		r.exec.EndTime = &now
		msg := runErr.Error()
		if n := len(r.exec.Errors); n == 0 || r.exec.Errors[n-1].Error != msg {
			r.exec.Errors = append(r.exec.Errors, flow.ExecutionError{
				Step:      stepOf(runErr),
				Error:     msg,
				Timestamp: now,
			})
		}
		r.exec.Logs = append(r.exec.Logs, flow.LogEntry{
			Timestamp: now,
			Level:     "error",
			Message:   "execution failed: " + msg,
		})
	default:
		r.exec.Status = flow.StatusCompleted
		r.exec.EndTime = &now
		r.exec.Logs = append(r.exec.Logs, flow.LogEntry{
			Timestamp: now,
			Level:     "info",
			Message:   "execution completed",
		})
	}
	exec := r.exec.Clone()
	r.mu.Unlock()

	if !cancelled {
		if c.events != nil {
			if err := c.events.ExecutionFinished(ctx, exec); err != nil {
				c.logger.WarnContext(ctx, "record terminal event", "error", err)
			}
		}
		eventType := flow.EventExecutionCompleted
		if exec.Status == flow.StatusFailed {
			eventType = flow.EventExecutionFailed
		}
		r.publish(ctx, c.hub, "", eventType, map[string]any{
			"status":     exec.Status,
			"durationMs": exec.Duration().Milliseconds(),
		})
	}

	level := slog.LevelInfo
	if exec.Status == flow.StatusFailed {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "execution finished",
		"execution_id", exec.ID, "workflow_id", exec.WorkflowID,
		"status", string(exec.Status), "duration_ms", exec.Duration().Milliseconds(),
		"steps", len(exec.Results))

	c.archiveRun(ctx, exec, args)
	c.registry.retain()
}

// archiveRun flattens the terminal execution into the durable run archive.
// Archive failures are logged, never fatal: the registry still holds the
// record.
func (c *Controller) archiveRun(ctx context.Context, exec *flow.Execution, args map[string]any) {
	if c.archive == nil {
		return
	}
	results, err := json.Marshal(exec.Results)
	if err != nil {
		c.logger.WarnContext(ctx, "marshal results for archive", "execution_id", exec.ID, "error", err)
		results = nil
	}
	errs, err := json.Marshal(exec.Errors)
	if err != nil {
		errs = nil
	}
	rec := &store.RunRecord{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		Status:      exec.Status,
		Initiator:   exec.Initiator,
		Arguments:   args,
		Variables:   exec.Variables,
		Results:     results,
		Errors:      errs,
		StartTime:   exec.StartTime,
		EndTime:     exec.EndTime,
		DurationMs:  exec.Duration().Milliseconds(),
	}
	if err := c.archive.ArchiveRun(ctx, rec); err != nil {
		c.logger.WarnContext(ctx, "archive run", "execution_id", exec.ID, "error", err)
	}
}

// resolveArguments applies declared defaults and checks the caller's
// arguments against the definition's contract: required arguments must be
// present after defaulting, and validationRule patterns must match provided
// string values.
func resolveArguments(def *flow.WorkflowDefinition, provided map[string]any) (map[string]any, error) {
	args := make(map[string]any, len(provided))
	for k, v := range provided {
		args[k] = v
	}

	for _, decl := range def.Arguments {
		if _, ok := args[decl.Name]; !ok && decl.DefaultValue != nil {
			args[decl.Name] = decl.DefaultValue
		}
	}

	for _, decl := range def.Arguments {
		val, ok := args[decl.Name]
		if !ok {
			if decl.Required {
				return nil, flow.NewErrorf(flow.ErrCodeMissingArgument,
					"required argument %q not provided", decl.Name).
					WithDetails(map[string]any{"argument": decl.Name})
			}
			continue
		}
		if decl.ValidationRule == "" {
			continue
		}
		str, isString := val.(string)
		if !isString {
			continue
		}
		re, err := regexp.Compile(decl.ValidationRule)
		if err != nil {
			return nil, flow.NewErrorf(flow.ErrCodeValidation,
				"argument %q has an invalid validation rule: %v", decl.Name, err)
		}
		if !re.MatchString(str) {
			return nil, flow.NewErrorf(flow.ErrCodeValidation,
				"argument %q does not match %s", decl.Name, decl.ValidationRule).
				WithDetails(map[string]any{"argument": decl.Name, "rule": decl.ValidationRule})
		}
	}
	return args, nil
}

// stepOf extracts the step ID from a structured error, or "".
func stepOf(err error) string {
	var fe *flow.Error
	if errors.As(err, &fe) {
		return fe.StepID
	}
	return ""
}
