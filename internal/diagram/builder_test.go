package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/carepath/pkg/schema"
)

func copdModule() *schema.ModuleDefinition {
	states := []*schema.State{
		{Name: "start", Type: schema.StateTypeStart, Transitions: []schema.Transition{{To: "screen"}}},
		{Name: "screen", Type: schema.StateTypeDecision, Transitions: []schema.Transition{
			{To: "smoker", Condition: &schema.Guard{Attribute: "smoker", Operator: "==", Value: true}},
			{To: "diagnose", Probability: 0.25},
			{To: "end", Probability: 0.75},
		}},
		{Name: "smoker", Type: schema.StateTypeSetAttribute, Transitions: []schema.Transition{{To: "diagnose"}}},
		{Name: "diagnose", Type: schema.StateTypeConditionOnset, Transitions: []schema.Transition{{To: "meds"}}},
		{Name: "meds", Type: schema.StateTypeCallSubmodule, Data: map[string]any{"module": "copd_meds"},
			Transitions: []schema.Transition{{To: "wait"}}},
		{Name: "wait", Type: schema.StateTypeDelay, Transitions: []schema.Transition{{To: "done"}}},
		{Name: "done", Type: schema.StateTypeTerminal},
	}
	def := &schema.ModuleDefinition{Name: "copd", States: map[string]*schema.State{}}
	for _, s := range states {
		def.States[s.Name] = s
		def.StateOrder = append(def.StateOrder, s.Name)
	}
	return def
}

func findNode(m *DiagramModel, id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func TestBuild(t *testing.T) {
	model, err := Build(copdModule(), nil)
	require.NoError(t, err)

	assert.Equal(t, "copd", model.Title)
	// seven states plus the virtual end node
	require.Len(t, model.Nodes, 8)
	assert.Equal(t, "start", model.Nodes[0].ID)
	assert.Equal(t, endNodeID, model.Nodes[7].ID)

	assert.Equal(t, NodeKindDecision, findNode(model, "screen").Kind)
	assert.Equal(t, NodeKindAttribute, findNode(model, "smoker").Kind)
	assert.Equal(t, NodeKindClinical, findNode(model, "diagnose").Kind)
	assert.Equal(t, NodeKindSubmodule, findNode(model, "meds").Kind)
	assert.Equal(t, "meds\ncall copd_meds", findNode(model, "meds").Label)
	assert.Equal(t, NodeKindEnd, findNode(model, "done").Kind)
	assert.Nil(t, findNode(model, "screen").Status)

	labels := map[string]string{}
	for _, e := range model.Edges {
		if e.From == "screen" {
			labels[e.To] = e.Label
		}
	}
	assert.Equal(t, map[string]string{"smoker": "smoker == true", "diagnose": "25%", endNodeID: "75%"}, labels)

	assert.Equal(t, [][]string{
		{"start"},
		{"screen"},
		{"smoker", "diagnose", endNodeID},
		{"meds"},
		{"wait"},
		{"done"},
	}, model.Levels)
}

func TestBuild_TraceOverlay(t *testing.T) {
	t0 := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	trace := []schema.TraceStep{
		{Module: "copd", State: "start", At: t0},
		{Module: "copd", State: "screen", At: t0},
		{Module: "copd", State: "diagnose", At: t0},
		{Module: "copd", State: "meds", At: t0},
		{Module: "copd_meds", State: "start", At: t0},
		{Module: "copd", State: "wait", At: t0.AddDate(0, 0, 1)},
		{Module: "copd", State: "done", At: t0.AddDate(0, 1, 0)},
	}
	model, err := Build(copdModule(), trace)
	require.NoError(t, err)

	assert.True(t, findNode(model, "diagnose").Status.Visited())
	assert.False(t, findNode(model, "smoker").Status.Visited())
	assert.Equal(t, 1, findNode(model, "start").Status.Visits)
	assert.Equal(t, t0.AddDate(0, 1, 0), findNode(model, "done").Status.FirstAt)

	taken := map[string]bool{}
	for _, e := range model.Edges {
		if e.Taken {
			taken[e.From+">"+e.To] = true
		}
	}
	assert.Equal(t, map[string]bool{
		"start>screen": true, "screen>diagnose": true, "diagnose>meds": true,
		"meds>wait": true, "wait>done": true,
	}, taken)
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(nil, nil)
	require.Error(t, err)

	_, err = Build(&schema.ModuleDefinition{Name: "x", States: map[string]*schema.State{}}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeMissingStart))
}

func TestBuild_UnreachableStatesFormLastLevel(t *testing.T) {
	def := copdModule()
	def.States["orphan"] = &schema.State{Name: "orphan", Type: schema.StateType("unknown"), RawType: "vital_sign"}
	def.StateOrder = append(def.StateOrder, "orphan")

	model, err := Build(def, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, model.Levels[len(model.Levels)-1])
	assert.Equal(t, "orphan\nvital_sign?", findNode(model, "orphan").Label)
}
