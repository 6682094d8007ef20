package diagram

// NodeKind classifies a diagram node. Step nodes take their kind from the
// step type; start and end are virtual markers added by the builder.
type NodeKind string

const (
	NodeKindTool      NodeKind = "tool"
	NodeKindPrompt    NodeKind = "prompt"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindDelay     NodeKind = "delay"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// EdgeKind records which routing rule produced an edge.
type EdgeKind string

const (
	EdgeSuccess EdgeKind = "success"
	EdgeFailure EdgeKind = "failure"
	EdgeBranch  EdgeKind = "branch"
	EdgeBody    EdgeKind = "body"
)

// Model is the renderer-independent representation of a workflow graph.
type Model struct {
	Title    string
	Nodes    []*Node
	Edges    []Edge
	Clusters []*Cluster
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// Edge connects two nodes. Label is drawn on the arrow.
type Edge struct {
	From  string
	To    string
	Label string
	Kind  EdgeKind
}

// Cluster groups the members of a parallel fan-out or a loop body.
type Cluster struct {
	ID      string
	Label   string
	Members []string
}

// StatusOverlay carries runtime state for a node when the diagram is built
// from a live or archived execution.
type StatusOverlay struct {
	Status     string // completed | failed | running
	DurationMs int64
	Error      string
}

// nodeIndex returns the model's nodes keyed by ID.
func nodeIndex(model *Model) map[string]*Node {
	idx := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		idx[n.ID] = n
	}
	return idx
}
