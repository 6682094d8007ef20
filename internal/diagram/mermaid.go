package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart string. Cluster
// members are declared inside their subgraph block so Mermaid assigns them
// to it; failure edges render dotted.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	clustered := make(map[string]bool, len(model.Nodes))
	for _, cl := range model.Clusters {
		for _, id := range cl.Members {
			clustered[id] = true
		}
	}

	for _, node := range model.Nodes {
		if clustered[node.ID] {
			continue
		}
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	byID := nodeIndex(model)
	for _, cl := range model.Clusters {
		fmt.Fprintf(&b, "    subgraph %s[%q]\n", mermaidSafeID("cluster_"+cl.ID), cl.Label)
		for _, id := range cl.Members {
			if node := byID[id]; node != nil {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(node))
			}
		}
		b.WriteString("    end\n")
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Kind == EdgeFailure {
			arrow = "-.->"
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)

	switch node.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, node.Label)
	case NodeKindPrompt:
		return fmt.Sprintf("%s{{%q}}", id, node.Label)
	case NodeKindDelay:
		return fmt.Sprintf("%s([%q])", id, node.Label)
	case NodeKindParallel, NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", id, node.Label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, node.Label)
	default: // tool
		return fmt.Sprintf("%s[%q]", id, node.Label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
// Replaces dots, dashes and spaces with underscores.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidStatusClass maps a status string to a Mermaid class name.
func mermaidStatusClass(status string) string {
	switch status {
	case "completed":
		return "completed"
	case "failed":
		return "failed"
	case "running":
		return "running"
	default:
		return ""
	}
}
