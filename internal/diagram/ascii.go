package diagram

import (
	"fmt"
	"strings"
)

// RenderASCII renders a DiagramModel for a terminal: one row of boxes per
// BFS level, then the transition list, since module graphs may loop.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	index := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		index[n.ID] = n
	}

	for i, level := range model.Levels {
		var boxes []asciiBox
		for _, id := range level {
			if node := index[id]; node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(model.Levels)-1 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	if len(model.Edges) > 0 {
		b.WriteString("\ntransitions:\n")
		for _, e := range model.Edges {
			mark := " "
			if e.Taken {
				mark = "*"
			}
			label := ""
			if e.Label != "" {
				label = "  [" + e.Label + "]"
			}
			fmt.Fprintf(&b, " %s %s ─→ %s%s\n", mark, e.From, e.To, label)
		}
	}
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	content := strings.Split(node.Label, "\n")
	if node.Status != nil {
		if node.Status.Visited() {
			content = append(content, fmt.Sprintf("[x%d]", node.Status.Visits))
		} else {
			content = append(content, "[--]")
		}
	}

	maxLen := 0
	for _, line := range content {
		if n := len([]rune(line)); n > maxLen {
			maxLen = n
		}
	}
	width := maxLen + 4

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", maxLen-len([]rune(c)))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return asciiBox{lines: lines, width: width}
}

// firstLine returns the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// renderBoxRow writes boxes side by side.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	height := 0
	for _, box := range boxes {
		if len(box.lines) > height {
			height = len(box.lines)
		}
	}
	for row := 0; row < height; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}
