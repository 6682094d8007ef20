package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// validateGraph performs edge analysis on the step graph: reachability from
// the entry step (BFS over success, failure, parallel, and loop-body edges)
// and cycle detection (Kahn's algorithm). Both findings are warnings, not
// errors: the controller walks edges one at a time and the step budget
// bounds cyclic definitions at runtime.
func validateGraph(def *flow.WorkflowDefinition) *flow.ValidationResult {
	result := &flow.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	// edges[id] = steps reachable from id in one hop.
	edges := make(map[string][]string, len(def.Steps))
	addEdge := func(from, to string) {
		if to == "" || !stepIDs[to] {
			return // invalid refs already caught by semantic
		}
		edges[from] = append(edges[from], to)
	}
	for _, s := range def.Steps {
		addEdge(s.ID, s.OnSuccess)
		addEdge(s.ID, s.OnFailure)
		for _, ref := range s.Parallel {
			addEdge(s.ID, ref)
		}
		for _, ref := range s.Body {
			addEdge(s.ID, ref)
		}
	}

	entry := def.FirstStep()
	if entry == nil {
		return result // empty steps caught structurally
	}

	// Reachability: BFS from the entry step.
	reachable := map[string]bool{entry.ID: true}
	queue := []string{entry.ID}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range edges[node] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, s := range def.Steps {
		if !reachable[s.ID] {
			result.AddWarning(fmt.Sprintf("steps[%s]", s.ID), flow.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from the entry step", s.ID))
		}
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(def.Steps))
	for id := range stepIDs {
		inDegree[id] = 0
	}
	for _, targets := range edges {
		for _, to := range targets {
			inDegree[to]++
		}
	}

	kahnQueue := make([]string, 0, len(def.Steps))
	for id, deg := range inDegree {
		if deg == 0 {
			kahnQueue = append(kahnQueue, id)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(kahnQueue)

	visited := 0
	for len(kahnQueue) > 0 {
		node := kahnQueue[0]
		kahnQueue = kahnQueue[1:]
		visited++
		for _, next := range edges[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				kahnQueue = append(kahnQueue, next)
			}
		}
	}

	if visited != len(stepIDs) {
		remaining := make([]string, 0)
		for id, deg := range inDegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		result.AddWarning("steps", flow.ErrCodeValidation,
			fmt.Sprintf("cycle detected involving steps: %s", strings.Join(remaining, ", ")))
	}

	return result
}
