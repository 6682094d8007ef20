package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stepflow-io/stepflow/internal/expressions"
	"github.com/stepflow-io/stepflow/internal/tools"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// DefaultDelayMs is the wait applied to delay steps that do not set delayMs.
const DefaultDelayMs = 1000

// maxStepDepth bounds composite-step nesting (parallel inside loop inside
// parallel, ...). Authored self-references would otherwise recurse without
// limit, since the controller's step budget only counts top-level steps.
const maxStepDepth = 25

type depthKey struct{}

func stepDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// StepRunner executes exactly one step of a workflow against the run's
// variable scope. Tool calls go through the injected Invoker; parallel
// branches run on the shared worker pool.
type StepRunner struct {
	invoker   tools.Invoker
	interp    *expressions.Interpolator
	condition expressions.Engine
	pool      *WorkerPool
	logger    *slog.Logger
}

// NewStepRunner creates a runner. A nil condition engine selects the
// default expr engine; a nil pool gets a default-sized one.
func NewStepRunner(invoker tools.Invoker, condition expressions.Engine, pool *WorkerPool, logger *slog.Logger) *StepRunner {
	if condition == nil {
		condition = expressions.NewExprEngine()
	}
	if pool == nil {
		pool = NewWorkerPool(DefaultPoolSize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StepRunner{
		invoker:   invoker,
		interp:    expressions.NewInterpolator(),
		condition: condition,
		pool:      pool,
		logger:    logger,
	}
}

// Run executes one step and reports its outcome. The result is always
// non-nil and is recorded whether the step succeeded or not; err is non-nil
// exactly when the step failed. A condition evaluating cleanly to false is
// a failure with code CONDITION_FALSE, which is how the failure edge of a
// condition step is taken.
func (s *StepRunner) Run(ctx context.Context, def *flow.WorkflowDefinition, step *flow.Step, vars map[string]any) (*flow.StepResult, error) {
	started := time.Now().UTC()
	result := &flow.StepResult{StartedAt: started}

	var (
		value    any
		children map[string]*flow.StepResult
		err      error
	)
	switch step.Type {
	case flow.StepTypeTool:
		value, err = s.runTool(ctx, step, vars)
	case flow.StepTypePrompt:
		value = s.interp.ResolveString(step.Prompt, vars)
	case flow.StepTypeCondition:
		value, err = s.runCondition(ctx, step, vars)
	case flow.StepTypeDelay:
		value, err = s.runDelay(ctx, step)
	case flow.StepTypeParallel:
		value, children, err = s.runParallel(ctx, def, step, vars)
	case flow.StepTypeLoop:
		value, children, err = s.runLoop(ctx, def, step, vars)
	default:
		err = flow.NewErrorf(flow.ErrCodeValidation,
			"unknown step type %q", string(step.Type)).WithStep(step.ID)
	}

	result.DurationMs = time.Since(started).Milliseconds()
	result.Result = value
	result.Children = children
	if err != nil {
		result.Error = err.Error()
		return result, err
	}
	result.Success = true
	return result, nil
}

// runTool interpolates the step parameters and invokes the tool. A positive
// timeoutMs bounds the single invocation; expiry is a step failure.
func (s *StepRunner) runTool(ctx context.Context, step *flow.Step, vars map[string]any) (any, error) {
	if step.Tool == "" {
		return nil, flow.NewError(flow.ErrCodeValidation, "tool step has no tool name").WithStep(step.ID)
	}
	if s.invoker == nil {
		return nil, flow.NewError(flow.ErrCodeToolFailed, "no tool invoker configured").WithStep(step.ID)
	}

	params := s.interp.ResolveParams(step.Parameters, vars)

	callCtx := ctx
	if step.TimeoutMs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	out, err := s.invoker.CallTool(callCtx, step.Tool, params)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, flow.NewErrorf(flow.ErrCodeToolFailed,
				"tool %s exceeded %dms timeout", step.Tool, step.TimeoutMs).
				WithStep(step.ID).WithCause(err)
		}
		return nil, err
	}
	return out, nil
}

// runCondition interpolates and evaluates the expression. The evaluated
// boolean is the step outcome: true succeeds, false fails with
// CONDITION_FALSE. Malformed expressions and non-boolean results raise
// CONDITION_EVAL.
func (s *StepRunner) runCondition(ctx context.Context, step *flow.Step, vars map[string]any) (any, error) {
	if step.Condition == "" {
		return nil, flow.NewError(flow.ErrCodeConditionEval, "condition step has no expression").WithStep(step.ID)
	}

	expr := s.interp.ResolveString(step.Condition, vars)
	value, err := s.condition.Evaluate(ctx, expr, expressions.ConditionEnv(vars))
	if err != nil {
		return nil, flow.NewErrorf(flow.ErrCodeConditionEval,
			"evaluate %q: %v", expr, err).WithStep(step.ID).WithCause(err)
	}
	ok, err := expressions.AsBool(value)
	if err != nil {
		return nil, flow.NewErrorf(flow.ErrCodeConditionEval,
			"condition %q: %v", expr, err).WithStep(step.ID).WithCause(err)
	}
	if !ok {
		return false, flow.NewError(flow.ErrCodeConditionFalse, "condition evaluated to false").WithStep(step.ID)
	}
	return true, nil
}

// runDelay waits delayMs (default 1000) on a timer, returning early if the
// run is cancelled.
func (s *StepRunner) runDelay(ctx context.Context, step *flow.Step) (any, error) {
	ms := step.DelayMs
	if ms <= 0 {
		ms = DefaultDelayMs
	}
	if err := sleepContext(ctx, time.Duration(ms)*time.Millisecond); err != nil {
		return nil, flow.NewErrorf(flow.ErrCodeCancelled, "delay interrupted: %v", err).
			WithStep(step.ID).WithCause(err)
	}
	return map[string]any{"delayedMs": ms}, nil
}

// runParallel runs the named sibling steps concurrently and waits for all
// of them to settle. Branches are submitted to the shared pool in declared
// order; when the pool is saturated a branch runs inline on the step
// goroutine, so nested parallel steps cannot starve each other of slots.
// Each branch gets its own copy of the variable scope, so branch-local
// bindings (loop variables) never race. The first branch error, in declared
// order, becomes the step error; every branch outcome is recorded
// regardless.
func (s *StepRunner) runParallel(ctx context.Context, def *flow.WorkflowDefinition, step *flow.Step, vars map[string]any) (any, map[string]*flow.StepResult, error) {
	depth := stepDepth(ctx)
	if depth >= maxStepDepth {
		return nil, nil, flow.NewErrorf(flow.ErrCodeValidation,
			"step nesting exceeds %d levels", maxStepDepth).WithStep(step.ID)
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	if len(step.Parallel) == 0 {
		return nil, nil, flow.NewError(flow.ErrCodeValidation, "parallel step names no siblings").WithStep(step.ID)
	}
	siblings := make([]*flow.Step, len(step.Parallel))
	for i, id := range step.Parallel {
		sibling := def.FindStep(id)
		if sibling == nil {
			return nil, nil, flow.NewErrorf(flow.ErrCodeUnknownStep,
				"parallel step %s references unknown step %q", step.ID, id).WithStep(step.ID)
		}
		siblings[i] = sibling
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		children = make(map[string]*flow.StepResult, len(siblings))
		errs     = make([]error, len(siblings))
	)

	for i, sibling := range siblings {
		i, sibling := i, sibling
		scope := expressions.DeepCopyMap(vars)

		branch := func(branchCtx context.Context) error {
			defer wg.Done()
			started := time.Now().UTC()
			var (
				res       *flow.StepResult
				branchErr error
			)
			func() {
				defer func() {
					if p := recover(); p != nil {
						branchErr = flow.NewErrorf(flow.ErrCodeInternal,
							"step %s panicked: %v", sibling.ID, p).WithStep(sibling.ID)
						res = &flow.StepResult{
							StartedAt:  started,
							DurationMs: time.Since(started).Milliseconds(),
							Error:      branchErr.Error(),
						}
					}
				}()
				res, branchErr = s.Run(branchCtx, def, sibling, scope)
			}()
			mu.Lock()
			children[sibling.ID] = res
			errs[i] = branchErr
			mu.Unlock()
			return branchErr
		}

		wg.Add(1)
		submitErr := s.pool.TrySubmit(ctx, branch)
		switch {
		case submitErr == nil:
			// Branch is running on the pool.
		case errors.Is(submitErr, ErrPoolBusy):
			_ = branch(ctx)
		default:
			// Cancellation or pool shutdown: the branch never ran.
			wg.Done()
			mu.Lock()
			children[sibling.ID] = &flow.StepResult{
				StartedAt: time.Now().UTC(),
				Error:     submitErr.Error(),
			}
			errs[i] = submitErr
			mu.Unlock()
		}
	}
	wg.Wait()

	failed := 0
	var firstErr error
	for _, err := range errs {
		if err == nil {
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = err
		}
	}

	summary := map[string]any{
		"completed": len(siblings) - failed,
		"failed":    failed,
	}
	if firstErr != nil {
		s.logger.DebugContext(ctx, "parallel step settled with failures",
			"step", step.ID, "failed", failed, "total", len(siblings))
		return summary, children, firstErr
	}
	return summary, children, nil
}

// runLoop iterates loopItems sequentially: each iteration binds the loop
// variable (and "<loopVariable>_index") in the run scope, then runs the
// body steps in order. Child outcomes are keyed "<index>:<stepID>". A
// failed body step fails the loop; remaining iterations are not run.
func (s *StepRunner) runLoop(ctx context.Context, def *flow.WorkflowDefinition, step *flow.Step, vars map[string]any) (any, map[string]*flow.StepResult, error) {
	depth := stepDepth(ctx)
	if depth >= maxStepDepth {
		return nil, nil, flow.NewErrorf(flow.ErrCodeValidation,
			"step nesting exceeds %d levels", maxStepDepth).WithStep(step.ID)
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	if step.LoopVariable == "" {
		return nil, nil, flow.NewError(flow.ErrCodeValidation, "loop step has no loopVariable").WithStep(step.ID)
	}
	if len(step.Body) == 0 {
		return nil, nil, flow.NewError(flow.ErrCodeValidation, "loop step has no body").WithStep(step.ID)
	}
	body := make([]*flow.Step, len(step.Body))
	for i, id := range step.Body {
		bodyStep := def.FindStep(id)
		if bodyStep == nil {
			return nil, nil, flow.NewErrorf(flow.ErrCodeUnknownStep,
				"loop step %s references unknown step %q", step.ID, id).WithStep(step.ID)
		}
		body[i] = bodyStep
	}

	children := make(map[string]*flow.StepResult, len(step.LoopItems)*len(body))
	for i, item := range step.LoopItems {
		if err := ctx.Err(); err != nil {
			return map[string]any{"iterations": i, "items": len(step.LoopItems)}, children,
				flow.NewErrorf(flow.ErrCodeCancelled, "loop interrupted: %v", err).
					WithStep(step.ID).WithCause(err)
		}

		vars[step.LoopVariable] = item
		vars[step.LoopVariable+"_index"] = i

		for _, bodyStep := range body {
			res, err := s.Run(ctx, def, bodyStep, vars)
			children[fmt.Sprintf("%d:%s", i, bodyStep.ID)] = res
			if err != nil {
				return map[string]any{"iterations": i, "items": len(step.LoopItems)}, children, err
			}
		}
	}
	return map[string]any{"iterations": len(step.LoopItems)}, children, nil
}
