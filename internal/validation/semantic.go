package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/stepflow-io/stepflow/pkg/flow"
)

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: variant fields populated for each step type, edge and sibling
// references resolvable, argument declarations coherent, error handling
// sensible, schedule parseable.
func validateSemantic(def *flow.WorkflowDefinition, lookup ToolLookup) *flow.ValidationResult {
	result := &flow.ValidationResult{}

	validateArguments(def, result)
	validateErrorHandling(def, result)
	validateSchedule(def, result)

	// Build top-level step ID set.
	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&def.Steps[i], path, stepIDs, lookup, result)
	}

	return result
}

// validateStepSemantic checks a single step: its variant fields, its success
// and failure edges, and its sibling references.
func validateStepSemantic(step *flow.Step, path string, stepIDs map[string]bool, lookup ToolLookup, result *flow.ValidationResult) {
	switch step.Type {
	case flow.StepTypeTool:
		if step.Tool == "" {
			result.AddError(path+".tool", flow.ErrCodeValidation,
				fmt.Sprintf("tool step %q requires a tool name", step.ID))
		} else if lookup != nil && !lookup.Has(step.Tool) {
			// Warning only: tools may be registered after the definition is saved.
			result.AddWarning(path+".tool", flow.ErrCodeValidation,
				fmt.Sprintf("tool %q not registered", step.Tool))
		}

	case flow.StepTypePrompt:
		if step.Prompt == "" {
			result.AddError(path+".prompt", flow.ErrCodeValidation,
				fmt.Sprintf("prompt step %q requires a prompt template", step.ID))
		}

	case flow.StepTypeCondition:
		if step.Condition == "" {
			result.AddError(path+".condition", flow.ErrCodeValidation,
				fmt.Sprintf("condition step %q requires an expression", step.ID))
		}

	case flow.StepTypeDelay:
		if step.DelayMs < 0 {
			result.AddError(path+".delayMs", flow.ErrCodeValidation,
				fmt.Sprintf("delay step %q has negative delayMs", step.ID))
		}

	case flow.StepTypeParallel:
		validateSiblingRefs(step, step.Parallel, path+".parallel", "parallel branch", stepIDs, result)
		if len(step.Parallel) == 0 {
			result.AddError(path+".parallel", flow.ErrCodeValidation,
				fmt.Sprintf("parallel step %q requires at least one branch step", step.ID))
		}

	case flow.StepTypeLoop:
		if step.LoopVariable == "" {
			result.AddError(path+".loopVariable", flow.ErrCodeValidation,
				fmt.Sprintf("loop step %q requires a loopVariable", step.ID))
		}
		validateSiblingRefs(step, step.Body, path+".body", "loop body", stepIDs, result)
		if len(step.Body) == 0 {
			result.AddError(path+".body", flow.ErrCodeValidation,
				fmt.Sprintf("loop step %q requires at least one body step", step.ID))
		}

	default:
		// Unknown types are caught structurally; nothing variant-specific here.
	}

	// Success/failure edges must reference existing steps.
	if step.OnSuccess != "" && !stepIDs[step.OnSuccess] {
		result.AddError(path+".onSuccess", flow.ErrCodeValidation,
			fmt.Sprintf("references non-existent step %q", step.OnSuccess))
	}
	if step.OnFailure != "" && !stepIDs[step.OnFailure] {
		result.AddError(path+".onFailure", flow.ErrCodeValidation,
			fmt.Sprintf("references non-existent step %q", step.OnFailure))
	}

	// Warning: fields that belong to a different step type are ignored at runtime.
	if foreign := foreignFields(step); len(foreign) > 0 {
		result.AddWarning(path, flow.ErrCodeValidation,
			fmt.Sprintf("fields ignored for %s steps: %s", step.Type, strings.Join(foreign, ", ")))
	}
}

// validateSiblingRefs checks a list of step ID references (parallel branches,
// loop body) for existence, self-reference, and duplicates.
func validateSiblingRefs(step *flow.Step, refs []string, path, kind string, stepIDs map[string]bool, result *flow.ValidationResult) {
	seen := make(map[string]bool, len(refs))
	for j, ref := range refs {
		refPath := fmt.Sprintf("%s[%d]", path, j)
		if ref == step.ID {
			result.AddError(refPath, flow.ErrCodeValidation,
				fmt.Sprintf("%s cannot reference the %s step itself", kind, step.Type))
			continue
		}
		if !stepIDs[ref] {
			result.AddError(refPath, flow.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", ref))
			continue
		}
		if seen[ref] {
			result.AddWarning(refPath, flow.ErrCodeValidation,
				fmt.Sprintf("duplicate %s reference %q", kind, ref))
		}
		seen[ref] = true
	}
}

// validateArguments checks argument declarations: unique names, compilable
// validation rules, and required arguments without defaults.
func validateArguments(def *flow.WorkflowDefinition, result *flow.ValidationResult) {
	seen := make(map[string]bool, len(def.Arguments))
	for i, arg := range def.Arguments {
		path := fmt.Sprintf("arguments[%d]", i)

		if seen[arg.Name] {
			result.AddError(path+".name", flow.ErrCodeValidation,
				fmt.Sprintf("duplicate argument name %q", arg.Name))
		}
		seen[arg.Name] = true

		if arg.ValidationRule != "" {
			if _, err := regexp.Compile(arg.ValidationRule); err != nil {
				result.AddError(path+".validationRule", flow.ErrCodeValidation,
					fmt.Sprintf("invalid validation rule for %q: %s", arg.Name, err.Error()))
			}
		}

		if arg.Required && arg.DefaultValue != nil {
			result.AddWarning(path, flow.ErrCodeValidation,
				fmt.Sprintf("argument %q is required but has a default; the default seeds variables, callers must still pass it", arg.Name))
		}
	}
}

// validateErrorHandling sanity-checks the retry configuration.
func validateErrorHandling(def *flow.WorkflowDefinition, result *flow.ValidationResult) {
	eh := def.ErrorHandling
	if eh == nil {
		return
	}

	if eh.Strategy == flow.StrategyRetry && eh.MaxRetries == 0 {
		result.AddWarning("errorHandling.maxRetries", flow.ErrCodeValidation,
			fmt.Sprintf("retry strategy without maxRetries defaults to %d", flow.DefaultMaxRetries))
	}
	if eh.MaxRetries > 10 {
		result.AddWarning("errorHandling.maxRetries", flow.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", eh.MaxRetries))
	}
	if eh.Strategy != flow.StrategyRetry && (eh.MaxRetries > 0 || eh.RetryDelayMs > 0) {
		result.AddWarning("errorHandling", flow.ErrCodeValidation,
			fmt.Sprintf("retry settings ignored for %q strategy", eh.Strategy))
	}
}

// validateSchedule checks that a cron schedule parses. Uses the same parser
// the scheduler runs with, so save-time acceptance implies trigger-time
// acceptance.
func validateSchedule(def *flow.WorkflowDefinition, result *flow.ValidationResult) {
	if def.Schedule == "" {
		if len(def.ScheduleArguments) > 0 {
			result.AddWarning("scheduleArguments", flow.ErrCodeValidation,
				"scheduleArguments has no effect without a schedule")
		}
		return
	}

	if _, err := cron.ParseStandard(def.Schedule); err != nil {
		result.AddError("schedule", flow.ErrCodeValidation,
			fmt.Sprintf("invalid cron schedule %q: %s", def.Schedule, err.Error()))
	}
}

// foreignFields lists populated variant fields that do not belong to the
// step's declared type.
func foreignFields(step *flow.Step) []string {
	var fields []string
	check := func(name string, set bool, owner flow.StepType) {
		if set && step.Type != owner {
			fields = append(fields, name)
		}
	}
	check("tool", step.Tool != "", flow.StepTypeTool)
	check("parameters", len(step.Parameters) > 0, flow.StepTypeTool)
	check("prompt", step.Prompt != "", flow.StepTypePrompt)
	check("condition", step.Condition != "", flow.StepTypeCondition)
	check("delayMs", step.DelayMs > 0, flow.StepTypeDelay)
	check("parallel", len(step.Parallel) > 0, flow.StepTypeParallel)
	check("loopVariable", step.LoopVariable != "", flow.StepTypeLoop)
	check("loopItems", len(step.LoopItems) > 0, flow.StepTypeLoop)
	check("body", len(step.Body) > 0, flow.StepTypeLoop)
	return fields
}
