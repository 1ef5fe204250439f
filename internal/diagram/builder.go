package diagram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/carepath/pkg/schema"
)

// endNodeID is the virtual node for transitions to the reserved "end" target
// when the module declares no state of that name.
const endNodeID = "__end__"

// Build constructs a DiagramModel from a module. trace, when non-empty,
// overlays visit counts; only steps belonging to def are considered.
func Build(def *schema.ModuleDefinition, trace []schema.TraceStep) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil module definition")
	}
	if _, ok := def.States[schema.StartState]; !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMissingStart, "diagram: module %q has no start state", def.Name).
			WithModule(def.Name)
	}

	visits, firstAt, taken := indexTrace(def.Name, trace)

	model := &DiagramModel{Title: def.Name}
	index := make(map[string]*Node, len(def.States)+1)
	for _, s := range def.OrderedStates() {
		node := &Node{ID: s.Name, Label: nodeLabel(s), Kind: kindOf(s.Type)}
		if trace != nil {
			node.Status = &StatusOverlay{Visits: visits[s.Name], FirstAt: firstAt[s.Name]}
		}
		model.Nodes = append(model.Nodes, node)
		index[s.Name] = node
	}

	for _, s := range def.OrderedStates() {
		for _, tr := range s.Transitions {
			if tr.To == "" {
				continue
			}
			to := tr.To
			if _, ok := def.States[to]; !ok && to == schema.EndState {
				to = endNodeID
				if index[endNodeID] == nil {
					end := &Node{ID: endNodeID, Label: "end", Kind: NodeKindEnd}
					model.Nodes = append(model.Nodes, end)
					index[endNodeID] = end
				}
			}
			model.Edges = append(model.Edges, Edge{
				From:  s.Name,
				To:    to,
				Label: edgeLabel(tr),
				Taken: taken[[2]string{s.Name, tr.To}],
			})
		}
	}

	model.Levels = buildLevels(model, index)
	return model, nil
}

// indexTrace counts visits per state and the transitions actually followed.
func indexTrace(module string, trace []schema.TraceStep) (map[string]int, map[string]time.Time, map[[2]string]bool) {
	visits := make(map[string]int)
	firstAt := make(map[string]time.Time)
	taken := make(map[[2]string]bool)
	prev := ""
	for _, t := range trace {
		if t.Module != module {
			continue
		}
		if visits[t.State] == 0 {
			firstAt[t.State] = t.At
		}
		visits[t.State]++
		if prev != "" {
			taken[[2]string{prev, t.State}] = true
		}
		prev = t.State
	}
	return visits, firstAt, taken
}

func kindOf(t schema.StateType) NodeKind {
	switch t {
	case schema.StateTypeStart:
		return NodeKindStart
	case schema.StateTypeTerminal, schema.StateTypeEnd:
		return NodeKindEnd
	case schema.StateTypeDecision:
		return NodeKindDecision
	case schema.StateTypeDelay:
		return NodeKindDelay
	case schema.StateTypeEncounter, schema.StateTypeEncounterEnd:
		return NodeKindEncounter
	case schema.StateTypeConditionOnset, schema.StateTypeConditionEnd,
		schema.StateTypeMedicationStart, schema.StateTypeMedicationEnd,
		schema.StateTypeProcedure, schema.StateTypeImmunization, schema.StateTypeCarePlan,
		schema.StateTypeObservation, schema.StateTypeSymptom:
		return NodeKindClinical
	case schema.StateTypeSetAttribute:
		return NodeKindAttribute
	case schema.StateTypeCallSubmodule:
		return NodeKindSubmodule
	default:
		return NodeKindUnknown
	}
}

// nodeLabel is the state name, with the type on a second line.
func nodeLabel(s *schema.State) string {
	typ := string(s.Type)
	switch s.Type {
	case schema.StateTypeUnknown:
		typ = s.RawType + "?"
	case schema.StateTypeCallSubmodule:
		if m, _ := s.Data["module"].(string); m != "" {
			typ = "call " + m
		}
	}
	return s.Name + "\n" + typ
}

func edgeLabel(tr schema.Transition) string {
	if c := tr.Condition; c != nil {
		if c.Expression != "" {
			return c.Expression
		}
		if c.Operator == "is nil" || c.Operator == "is not nil" {
			return c.Attribute + " " + c.Operator
		}
		return fmt.Sprintf("%s %s %v", c.Attribute, c.Operator, c.Value)
	}
	if tr.Probability == nil {
		return ""
	}
	w, ok := tr.Weight()
	if !ok {
		return fmt.Sprint(tr.Probability)
	}
	return strings.TrimSuffix(strings.TrimRight(strconv.FormatFloat(w*100, 'f', 2, 64), "0"), ".") + "%"
}

// buildLevels assigns every node its BFS depth from start.
func buildLevels(model *DiagramModel, index map[string]*Node) [][]string {
	adj := make(map[string][]string)
	for _, e := range model.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}

	depth := map[string]int{schema.StartState: 0}
	queue := []string{schema.StartState}
	levels := [][]string{{schema.StartState}}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if _, seen := depth[next]; seen || index[next] == nil {
				continue
			}
			d := depth[id] + 1
			depth[next] = d
			if d == len(levels) {
				levels = append(levels, nil)
			}
			levels[d] = append(levels[d], next)
			queue = append(queue, next)
		}
	}

	var orphans []string
	for _, n := range model.Nodes {
		if _, ok := depth[n.ID]; !ok {
			orphans = append(orphans, n.ID)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return levels
}
