package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a DiagramModel as PNG.
func RenderImage(model *DiagramModel) ([]byte, error) {
	return render(model, graphviz.PNG)
}

// RenderSVG renders a DiagramModel as SVG.
func RenderSVG(model *DiagramModel) ([]byte, error) {
	return render(model, graphviz.SVG)
}

func render(model *DiagramModel, format graphviz.Format) ([]byte, error) {
	ctx := context.Background()

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(node.Label)
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	for _, edge := range model.Edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", from, to)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, eErr)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		if edge.Taken {
			e.SetColor("#2d6a2d")
			e.SetPenWidth(2.5)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, format, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// applyNodeStyle sets the shape by kind and the fill by trace overlay.
func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case NodeKindDecision:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindDelay:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindEncounter:
		gvNode.SetShape(cgraph.ParallelogramShape)
	case NodeKindAttribute:
		gvNode.SetShape(cgraph.CylinderShape)
	case NodeKindSubmodule:
		gvNode.SetShape(cgraph.Box3DShape)
	case NodeKindUnknown:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindStart:
		gvNode.SetShape(cgraph.CircleShape)
	case NodeKindEnd:
		gvNode.SetShape(cgraph.DoubleCircleShape)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}

	switch {
	case node.Status.Visited():
		gvNode.SetStyle(cgraph.FilledNodeStyle)
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case node.Status != nil:
		gvNode.SetStyle(cgraph.DashedNodeStyle)
		gvNode.SetFontColor("#888888")
	}
}
