package validation

import (
	"testing"

	"github.com/stepflow-io/stepflow/pkg/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Reachability ---

func TestGraph_LinearChainAllReachable(t *testing.T) {
	result := validateGraph(stepsDef(
		flow.Step{ID: "a", Type: flow.StepTypeTool, Tool: "x", OnSuccess: "b"},
		flow.Step{ID: "b", Type: flow.StepTypeTool, Tool: "x", OnSuccess: "c"},
		flow.Step{ID: "c", Type: flow.StepTypeTool, Tool: "x"},
	))

	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestGraph_UnreachableStepWarns(t *testing.T) {
	result := validateGraph(stepsDef(
		flow.Step{ID: "a", Type: flow.StepTypeTool, Tool: "x"},
		flow.Step{ID: "orphan", Type: flow.StepTypeTool, Tool: "x"},
	))

	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "orphan")
}

func TestGraph_ParallelAndBodyEdgesCount(t *testing.T) {
	result := validateGraph(stepsDef(
		flow.Step{ID: "fan", Type: flow.StepTypeParallel, Parallel: []string{"b1", "b2"}, OnSuccess: "each"},
		flow.Step{ID: "b1", Type: flow.StepTypeTool, Tool: "x"},
		flow.Step{ID: "b2", Type: flow.StepTypeTool, Tool: "x"},
		flow.Step{ID: "each", Type: flow.StepTypeLoop, LoopVariable: "i", LoopItems: []any{1}, Body: []string{"work"}},
		flow.Step{ID: "work", Type: flow.StepTypeTool, Tool: "x"},
	))

	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings, "branch and body steps are reachable through their parent")
}

func TestGraph_FailureEdgeCountsForReachability(t *testing.T) {
	result := validateGraph(stepsDef(
		flow.Step{ID: "a", Type: flow.StepTypeTool, Tool: "x", OnFailure: "cleanup"},
		flow.Step{ID: "cleanup", Type: flow.StepTypeTool, Tool: "x"},
	))

	assert.Empty(t, result.Warnings)
}

// --- Cycles ---

func TestGraph_CycleWarns(t *testing.T) {
	result := validateGraph(stepsDef(
		flow.Step{ID: "a", Type: flow.StepTypeTool, Tool: "x", OnSuccess: "b"},
		flow.Step{ID: "b", Type: flow.StepTypeTool, Tool: "x", OnSuccess: "a"},
	))

	assert.True(t, result.Valid(), "cycles are warnings, the step budget bounds them")
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "cycle")
	assert.Contains(t, result.Warnings[0].Message, "a, b")
}

func TestGraph_SelfLoopWarns(t *testing.T) {
	result := validateGraph(stepsDef(
		flow.Step{ID: "again", Type: flow.StepTypeTool, Tool: "x", OnSuccess: "again"},
	))

	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "cycle")
}

func TestGraph_DanglingRefsIgnored(t *testing.T) {
	// Dangling references are semantic errors; graph analysis skips them.
	result := validateGraph(stepsDef(
		flow.Step{ID: "a", Type: flow.StepTypeTool, Tool: "x", OnSuccess: "ghost"},
	))

	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}
