// Package diagram renders chain graphs as Mermaid flowcharts, optionally
// overlaying the per-node and per-edge progress of one execution.
package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/chainflow/pkg/schema"
)

// Overlay carries execution progress to color the diagram with. Zero value
// renders a plain structural diagram.
type Overlay struct {
	NodeStatuses map[string]schema.NodeStatus
	EdgeStatuses map[string]schema.EdgeStatus
}

// RenderMermaid renders a chain graph as a Mermaid flowchart string.
func RenderMermaid(graph *schema.ChainGraph, overlay Overlay) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	for _, node := range graph.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", nodeDef(&node)))
	}

	for _, edge := range graph.Edges {
		label := edgeLabel(&edge, overlay)
		arrow := "-->"
		if overlay.EdgeStatuses[edge.ID] == schema.EdgeStatusDropped {
			arrow = "-.->"
		}
		if label != "" {
			b.WriteString(fmt.Sprintf("    %s %s|%s| %s\n",
				safeID(edge.Source), arrow, label, safeID(edge.Target)))
		} else {
			b.WriteString(fmt.Sprintf("    %s %s %s\n",
				safeID(edge.Source), arrow, safeID(edge.Target)))
		}
	}

	if len(overlay.NodeStatuses) > 0 {
		b.WriteString("\n")
		b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
		b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
		b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
		b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

		for _, node := range graph.Nodes {
			if cls := statusClass(overlay.NodeStatuses[node.ID]); cls != "" {
				b.WriteString(fmt.Sprintf("    class %s %s\n", safeID(node.ID), cls))
			}
		}
	}

	return b.String()
}

// nodeDef returns a Mermaid node definition with a shape per node type.
func nodeDef(node *schema.NodeDefinition) string {
	id := safeID(node.ID)
	label := node.ID
	if node.Ref != "" {
		label = fmt.Sprintf("%s: %s", node.ID, node.Ref)
	}

	switch node.Type {
	case schema.NodeTypeCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case schema.NodeTypeStart, schema.NodeTypeEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	case schema.NodeTypeAgent:
		return fmt.Sprintf("%s[[%q]]", id, label)
	default: // tool
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// edgeLabel combines the static edge label with its guard condition.
func edgeLabel(edge *schema.EdgeDefinition, _ Overlay) string {
	switch {
	case edge.Label != "" && edge.Condition != "":
		return fmt.Sprintf("%s: %s", edge.Label, edge.Condition)
	case edge.Label != "":
		return edge.Label
	default:
		return edge.Condition
	}
}

// safeID converts a node ID to a Mermaid-safe identifier.
func safeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func statusClass(status schema.NodeStatus) string {
	switch status {
	case schema.NodeStatusCompleted:
		return "completed"
	case schema.NodeStatusFailed:
		return "failed"
	case schema.NodeStatusRunning:
		return "running"
	case schema.NodeStatusSkipped:
		return "skipped"
	default:
		return ""
	}
}
