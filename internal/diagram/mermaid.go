package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	var taken []int
	for i, edge := range model.Edges {
		arrow := "-->"
		if edge.Taken {
			arrow = "==>"
			taken = append(taken, i)
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%q|", mermaidEscapeLabel(edge.Label))
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef visited fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef unvisited fill:#e8e8e8,stroke:#999,color:#888,stroke-dasharray:5 5\n")
	b.WriteString("    classDef unknown fill:#b7791a,stroke:#8a5c14,color:#fff\n")

	for _, node := range model.Nodes {
		if cls := mermaidClass(node); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}
	for _, i := range taken {
		fmt.Fprintf(&b, "    linkStyle %d stroke:#2d6a2d,stroke-width:3px\n", i)
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with a shape per kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))

	switch node.Kind {
	case NodeKindDecision:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindDelay:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindEncounter:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case NodeKindAttribute:
		return fmt.Sprintf("%s[(%q)]", id, label)
	case NodeKindSubmodule:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindUnknown:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

func mermaidClass(node *Node) string {
	switch {
	case node.Status != nil && node.Status.Visited():
		return "visited"
	case node.Status != nil:
		return "unvisited"
	case node.Kind == NodeKindUnknown:
		return "unknown"
	default:
		return ""
	}
}

// mermaidSafeID converts a state name to a Mermaid identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", "/", "_", "(", "_", ")", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel replaces double quotes, which end a quoted label.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "#quot;")
}
