// Package diagram renders module state graphs as Mermaid, ASCII, PNG or SVG.
package diagram

import "time"

// NodeKind groups state types that share a shape.
type NodeKind string

const (
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
	NodeKindDecision  NodeKind = "decision"
	NodeKindDelay     NodeKind = "delay"
	NodeKindEncounter NodeKind = "encounter"
	NodeKindClinical  NodeKind = "clinical"
	NodeKindAttribute NodeKind = "attribute"
	NodeKindSubmodule NodeKind = "submodule"
	NodeKindUnknown   NodeKind = "unknown"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
	// Levels groups node IDs by breadth-first distance from start.
	// Unreachable nodes form the last level.
	Levels [][]string
}

// Node is one state.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries what a trace recorded about a node.
type StatusOverlay struct {
	Visits  int
	FirstAt time.Time
}

// Visited reports whether the trace passed through the node.
func (s *StatusOverlay) Visited() bool { return s != nil && s.Visits > 0 }

// Edge is a transition. Taken is set when a trace followed it.
type Edge struct {
	From  string
	To    string
	Label string
	Taken bool
}
