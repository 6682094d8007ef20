package validation

import (
	"testing"

	"github.com/stepflow-io/stepflow/pkg/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockToolLookup implements ToolLookup for tests.
type mockToolLookup struct {
	registered map[string]bool
}

func (m *mockToolLookup) Has(name string) bool {
	return m.registered[name]
}

func newMockLookup(names ...string) *mockToolLookup {
	m := &mockToolLookup{registered: make(map[string]bool)}
	for _, n := range names {
		m.registered[n] = true
	}
	return m
}

func stepsDef(steps ...flow.Step) *flow.WorkflowDefinition {
	return &flow.WorkflowDefinition{ID: "w", Name: "W", Steps: steps}
}

// --- Tool steps ---

func TestSemantic_ToolStepRequiresToolName(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "s1", Type: flow.StepTypeTool},
	), nil)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].tool", result.Errors[0].Path)
}

func TestSemantic_UnregisteredToolIsWarning(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "s1", Type: flow.StepTypeTool, Tool: "ghost.tool"},
	), newMockLookup("http.get"))

	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "ghost.tool")
}

func TestSemantic_NilLookupSkipsToolCheck(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "s1", Type: flow.StepTypeTool, Tool: "anything"},
	), nil)

	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

// --- Prompt / condition / delay steps ---

func TestSemantic_PromptStepRequiresTemplate(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "s1", Type: flow.StepTypePrompt},
	), nil)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].prompt", result.Errors[0].Path)
}

func TestSemantic_ConditionStepRequiresExpression(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "s1", Type: flow.StepTypeCondition},
	), nil)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].condition", result.Errors[0].Path)
}

func TestSemantic_NegativeDelayRejected(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "s1", Type: flow.StepTypeDelay, DelayMs: -5},
	), nil)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].delayMs", result.Errors[0].Path)
}

func TestSemantic_ZeroDelayAllowed(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "s1", Type: flow.StepTypeDelay, DelayMs: 0},
	), nil)

	assert.True(t, result.Valid())
}

// --- Parallel steps ---

func TestSemantic_ParallelRequiresBranches(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "s1", Type: flow.StepTypeParallel},
	), nil)

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].parallel", result.Errors[0].Path)
}

func TestSemantic_ParallelDanglingRef(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "fan", Type: flow.StepTypeParallel, Parallel: []string{"ghost"}},
	), nil)

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "ghost")
}

func TestSemantic_ParallelSelfReference(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "fan", Type: flow.StepTypeParallel, Parallel: []string{"fan"}},
	), nil)

	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0].Message, "itself")
}

func TestSemantic_ParallelDuplicateRefWarns(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "fan", Type: flow.StepTypeParallel, Parallel: []string{"b1", "b1"}},
		flow.Step{ID: "b1", Type: flow.StepTypeTool, Tool: "a"},
	), nil)

	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "duplicate")
}

// --- Loop steps ---

func TestSemantic_LoopRequiresVariableAndBody(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "each", Type: flow.StepTypeLoop},
	), nil)

	require.Len(t, result.Errors, 2)
	paths := []string{result.Errors[0].Path, result.Errors[1].Path}
	assert.Contains(t, paths, "steps[0].loopVariable")
	assert.Contains(t, paths, "steps[0].body")
}

func TestSemantic_LoopBodyDanglingRef(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "each", Type: flow.StepTypeLoop, LoopVariable: "item", Body: []string{"ghost"}},
	), nil)

	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "ghost")
}

// --- Edges ---

func TestSemantic_DanglingEdges(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "s1", Type: flow.StepTypeTool, Tool: "a", OnSuccess: "nope", OnFailure: "missing"},
	), nil)

	require.Len(t, result.Errors, 2)
	assert.Equal(t, "steps[0].onSuccess", result.Errors[0].Path)
	assert.Equal(t, "steps[0].onFailure", result.Errors[1].Path)
}

// --- Foreign fields ---

func TestSemantic_ForeignFieldsWarn(t *testing.T) {
	result := validateSemantic(stepsDef(
		flow.Step{ID: "s1", Type: flow.StepTypeTool, Tool: "a", Condition: "x > 0"},
	), nil)

	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "condition")
}

// --- Arguments ---

func TestSemantic_DuplicateArgumentNames(t *testing.T) {
	def := stepsDef(flow.Step{ID: "s1", Type: flow.StepTypeTool, Tool: "a"})
	def.Arguments = []flow.ArgumentDef{
		{Name: "env"},
		{Name: "env"},
	}

	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "duplicate argument")
}

func TestSemantic_InvalidValidationRule(t *testing.T) {
	def := stepsDef(flow.Step{ID: "s1", Type: flow.StepTypeTool, Tool: "a"})
	def.Arguments = []flow.ArgumentDef{
		{Name: "env", ValidationRule: "[unclosed"},
	}

	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "arguments[0].validationRule", result.Errors[0].Path)
}

func TestSemantic_RequiredWithDefaultWarns(t *testing.T) {
	def := stepsDef(flow.Step{ID: "s1", Type: flow.StepTypeTool, Tool: "a"})
	def.Arguments = []flow.ArgumentDef{
		{Name: "env", Required: true, DefaultValue: "staging"},
	}

	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
}

// --- Error handling ---

func TestSemantic_RetryWithoutMaxRetriesWarns(t *testing.T) {
	def := stepsDef(flow.Step{ID: "s1", Type: flow.StepTypeTool, Tool: "a"})
	def.ErrorHandling = &flow.ErrorHandling{Strategy: flow.StrategyRetry}

	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "defaults")
}

func TestSemantic_HighRetryCountWarns(t *testing.T) {
	def := stepsDef(flow.Step{ID: "s1", Type: flow.StepTypeTool, Tool: "a"})
	def.ErrorHandling = &flow.ErrorHandling{Strategy: flow.StrategyRetry, MaxRetries: 50}

	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "50")
}

func TestSemantic_RetrySettingsIgnoredForStop(t *testing.T) {
	def := stepsDef(flow.Step{ID: "s1", Type: flow.StepTypeTool, Tool: "a"})
	def.ErrorHandling = &flow.ErrorHandling{Strategy: flow.StrategyStop, MaxRetries: 2}

	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "ignored")
}

// --- Schedule ---

func TestSemantic_InvalidCronSchedule(t *testing.T) {
	def := stepsDef(flow.Step{ID: "s1", Type: flow.StepTypeTool, Tool: "a"})
	def.Schedule = "not a cron spec"

	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "schedule", result.Errors[0].Path)
}

func TestSemantic_ValidCronSchedules(t *testing.T) {
	for _, spec := range []string{"*/5 * * * *", "0 3 * * 1", "@daily", "@every 1h"} {
		def := stepsDef(flow.Step{ID: "s1", Type: flow.StepTypeTool, Tool: "a"})
		def.Schedule = spec

		result := validateSemantic(def, nil)
		assert.True(t, result.Valid(), "schedule %q should be accepted", spec)
	}
}

func TestSemantic_ScheduleArgumentsWithoutSchedule(t *testing.T) {
	def := stepsDef(flow.Step{ID: "s1", Type: flow.StepTypeTool, Tool: "a"})
	def.ScheduleArguments = map[string]any{"env": "ci"}

	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "schedule")
}
