package diagram

import (
	"fmt"
	"strings"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// Virtual node IDs bracketing every diagram.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// Build constructs a Model from a workflow definition. When exec is non-nil
// its step results are overlaid onto the nodes, so renderers can color
// completed, failed and in-flight steps. Edges that reference unknown step
// IDs are skipped.
func Build(def *flow.WorkflowDefinition, exec *flow.Execution) (*Model, error) {
	if def == nil {
		return nil, flow.NewError(flow.ErrCodeValidation, "cannot diagram a nil definition")
	}
	if len(def.Steps) == 0 {
		return nil, flow.NewErrorf(flow.ErrCodeValidation, "workflow %q has no steps", def.ID)
	}

	overlay := stepStatuses(exec)

	nodes := make([]*Node, 0, len(def.Steps)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "start", Kind: NodeKindStart})
	for i := range def.Steps {
		step := &def.Steps[i]
		nodes = append(nodes, &Node{
			ID:     step.ID,
			Label:  nodeLabel(step),
			Kind:   kindOf(step.Type),
			Status: overlay[step.ID],
		})
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "end", Kind: NodeKindEnd})

	return &Model{
		Title:    titleOf(def),
		Nodes:    nodes,
		Edges:    buildEdges(def),
		Clusters: buildClusters(def),
	}, nil
}

// kindOf maps a step type to a node kind.
func kindOf(t flow.StepType) NodeKind {
	switch t {
	case flow.StepTypeTool:
		return NodeKindTool
	case flow.StepTypePrompt:
		return NodeKindPrompt
	case flow.StepTypeCondition:
		return NodeKindCondition
	case flow.StepTypeLoop:
		return NodeKindLoop
	case flow.StepTypeParallel:
		return NodeKindParallel
	case flow.StepTypeDelay:
		return NodeKindDelay
	default:
		return NodeKindTool
	}
}

// nodeLabel creates a human-readable label for a step node.
func nodeLabel(step *flow.Step) string {
	switch {
	case step.Type == flow.StepTypeTool && step.Tool != "":
		return fmt.Sprintf("%s (%s)", step.ID, step.Tool)
	case step.Type == flow.StepTypeDelay && step.DelayMs > 0:
		return fmt.Sprintf("%s (%dms)", step.ID, step.DelayMs)
	default:
		return step.ID
	}
}

// titleOf generates a diagram title from workflow metadata.
func titleOf(def *flow.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}

// nestedIDs collects step IDs that appear in a parallel fan-out or a loop
// body. Such steps return control to their parent when they settle, so they
// never get an edge to the end marker.
func nestedIDs(def *flow.WorkflowDefinition) map[string]bool {
	nested := make(map[string]bool)
	for i := range def.Steps {
		step := &def.Steps[i]
		for _, id := range step.Parallel {
			nested[id] = true
		}
		for _, id := range step.Body {
			nested[id] = true
		}
	}
	return nested
}

// buildEdges walks the definition and emits one edge per routing rule:
// start to the first step, onSuccess/onFailure transitions (labeled
// true/false for conditions), parallel fan-out, loop entry plus the body
// sequence, and finally an edge to the end marker from every top-level step
// that has no onSuccess.
func buildEdges(def *flow.WorkflowDefinition) []Edge {
	nested := nestedIDs(def)

	var edges []Edge
	if first := def.FirstStep(); first != nil {
		edges = append(edges, Edge{From: StartID, To: first.ID, Kind: EdgeSuccess})
	}

	for i := range def.Steps {
		step := &def.Steps[i]

		switch step.Type {
		case flow.StepTypeParallel:
			for _, id := range step.Parallel {
				if def.FindStep(id) != nil {
					edges = append(edges, Edge{From: step.ID, To: id, Kind: EdgeBranch})
				}
			}
		case flow.StepTypeLoop:
			edges = append(edges, loopEdges(def, step)...)
		}

		if step.OnSuccess != "" && def.FindStep(step.OnSuccess) != nil {
			label := ""
			if step.Type == flow.StepTypeCondition {
				label = "true"
			}
			edges = append(edges, Edge{From: step.ID, To: step.OnSuccess, Label: label, Kind: EdgeSuccess})
		}
		if step.OnFailure != "" && def.FindStep(step.OnFailure) != nil {
			label := "fail"
			if step.Type == flow.StepTypeCondition {
				label = "false"
			}
			edges = append(edges, Edge{From: step.ID, To: step.OnFailure, Label: label, Kind: EdgeFailure})
		}
		if step.OnSuccess == "" && !nested[step.ID] {
			edges = append(edges, Edge{From: step.ID, To: EndID, Kind: EdgeSuccess})
		}
	}
	return edges
}

// loopEdges draws the loop entry edge, labeled with the loop variable, and
// the sequence through the body steps.
func loopEdges(def *flow.WorkflowDefinition, step *flow.Step) []Edge {
	label := step.LoopVariable
	if label == "" {
		label = "each"
	}

	var edges []Edge
	if len(step.Body) > 0 && def.FindStep(step.Body[0]) != nil {
		edges = append(edges, Edge{From: step.ID, To: step.Body[0], Label: label, Kind: EdgeBody})
	}
	for j := 0; j+1 < len(step.Body); j++ {
		if def.FindStep(step.Body[j]) != nil && def.FindStep(step.Body[j+1]) != nil {
			edges = append(edges, Edge{From: step.Body[j], To: step.Body[j+1], Kind: EdgeBody})
		}
	}
	return edges
}

// buildClusters groups parallel siblings and loop bodies. A step claimed by
// one cluster is not listed again by a later one.
func buildClusters(def *flow.WorkflowDefinition) []*Cluster {
	var clusters []*Cluster
	claimed := make(map[string]bool)

	for i := range def.Steps {
		step := &def.Steps[i]

		var members []string
		var label string
		switch step.Type {
		case flow.StepTypeParallel:
			members, label = step.Parallel, step.ID+" branches"
		case flow.StepTypeLoop:
			members, label = step.Body, step.ID+" body"
		default:
			continue
		}

		cl := &Cluster{ID: step.ID, Label: label}
		for _, id := range members {
			if def.FindStep(id) == nil || claimed[id] {
				continue
			}
			claimed[id] = true
			cl.Members = append(cl.Members, id)
		}
		if len(cl.Members) > 0 {
			clusters = append(clusters, cl)
		}
	}
	return clusters
}

// stepStatuses flattens an execution's results, including nested parallel
// and loop children, into per-step overlays. Loop children are keyed
// "<index>:<stepID>"; a step that failed in any iteration stays failed even
// when a later iteration succeeded. The current step of a still-running
// execution is marked running unless it already has a result.
func stepStatuses(exec *flow.Execution) map[string]*StatusOverlay {
	out := make(map[string]*StatusOverlay)
	if exec == nil {
		return out
	}

	var visit func(key string, res *flow.StepResult)
	visit = func(key string, res *flow.StepResult) {
		if res == nil {
			return
		}
		id := resultStepID(key)
		status := flow.StepStatusCompleted
		if !res.Success {
			status = flow.StepStatusFailed
		}
		if prev, ok := out[id]; !ok || prev.Status != flow.StepStatusFailed {
			out[id] = &StatusOverlay{
				Status:     status,
				DurationMs: res.DurationMs,
				Error:      res.Error,
			}
		}
		for childKey, child := range res.Children {
			visit(childKey, child)
		}
	}
	for id, res := range exec.Results {
		visit(id, res)
	}

	if exec.Status == flow.StatusRunning && exec.CurrentStep != "" {
		if _, seen := out[exec.CurrentStep]; !seen {
			out[exec.CurrentStep] = &StatusOverlay{Status: flow.StepStatusRunning}
		}
	}
	return out
}

// resultStepID strips the "<index>:" prefix from loop iteration keys.
// Parallel children are keyed by their plain sibling step ID.
func resultStepID(key string) string {
	i := strings.IndexByte(key, ':')
	if i <= 0 {
		return key
	}
	for _, r := range key[:i] {
		if r < '0' || r > '9' {
			return key
		}
	}
	return key[i+1:]
}
