package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/carepath/pkg/schema"
)

// def builds a module from states given in document order.
func def(name string, states ...*schema.State) *schema.ModuleDefinition {
	d := &schema.ModuleDefinition{Name: name, States: make(map[string]*schema.State)}
	for _, s := range states {
		d.States[s.Name] = s
		d.StateOrder = append(d.StateOrder, s.Name)
	}
	return d
}

func state(name string, typ schema.StateType, to ...string) *schema.State {
	s := &schema.State{Name: name, Type: typ, Data: map[string]any{}}
	for _, t := range to {
		s.Transitions = append(s.Transitions, schema.Transition{To: t})
	}
	return s
}

func decision(name string, weights map[string]any, order ...string) *schema.State {
	s := state(name, schema.StateTypeDecision)
	for _, to := range order {
		s.Transitions = append(s.Transitions, schema.Transition{To: to, Probability: weights[to]})
	}
	return s
}

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}

func TestValidateModule_Valid(t *testing.T) {
	d := def("copd",
		state("start", schema.StateTypeStart, "visit"),
		state("visit", schema.StateTypeEncounter, "end"),
	)
	r := ValidateModule(d)
	assert.True(t, r.Valid())
	assert.Empty(t, r.Warnings)
	assert.NoError(t, r.ToError())
}

func TestValidateModule_MissingStartShortCircuits(t *testing.T) {
	// Dangling and unreachable defects are present but must not be reported.
	d := def("broken",
		state("visit", schema.StateTypeEncounter, "nowhere"),
		decision("pick", map[string]any{"a": 0.2}, "a"),
	)
	r := ValidateModule(d)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, schema.ErrCodeMissingStart, r.Errors[0].Code)
}

func TestValidateModule_Nil(t *testing.T) {
	r := ValidateModule(nil)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, schema.ErrCodeValidation, r.Errors[0].Code)
}

func TestValidateModule_Unreachable(t *testing.T) {
	start := state("start", schema.StateTypeStart, "visit")
	visit := state("visit", schema.StateTypeEncounter, "end")
	orphan := state("orphan", schema.StateTypeDelay, "end")

	r := ValidateModule(def("m", start, visit, orphan))
	require.Len(t, r.Errors, 1)
	assert.Equal(t, schema.ErrCodeUnreachable, r.Errors[0].Code)
	assert.Equal(t, "states.orphan", r.Errors[0].Path)

	r = ValidateModule(def("m", start, visit))
	assert.True(t, r.Valid())
}

func TestValidateModule_ReachabilityFollowsCycles(t *testing.T) {
	d := def("loop",
		state("start", schema.StateTypeStart, "a"),
		state("a", schema.StateTypeDelay, "b"),
		state("b", schema.StateTypeDelay, "a", "end"),
	)
	assert.True(t, ValidateModule(d).Valid())
}

func TestValidateModule_Dangling(t *testing.T) {
	// Dangling transitions are reported on unreachable states too.
	d := def("m",
		state("start", schema.StateTypeStart, "ghost"),
		state("island", schema.StateTypeDelay, ""),
	)
	r := ValidateModule(d)
	assert.ElementsMatch(t,
		[]string{schema.ErrCodeUnreachable, schema.ErrCodeDanglingTarget, schema.ErrCodeDanglingTarget},
		codes(r.Errors))

	err := r.ToError()
	var verr *schema.ModuleValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "m", verr.Module)
	assert.Len(t, verr.Issues, 3)
}

func TestValidateModule_DecisionMass(t *testing.T) {
	tests := []struct {
		name  string
		a, b  any
		valid bool
	}{
		{"exact", 0.7, 0.3, true},
		{"low edge", 0.65, 0.3, true},
		{"high edge", 0.75, 0.3, true},
		{"too low", 0.5, 0.3, false},
		{"too high", 0.9, 0.3, false},
		{"integers", 1, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := def("m",
				state("start", schema.StateTypeStart, "pick"),
				decision("pick", map[string]any{"a": tt.a, "b": tt.b}, "a", "b"),
				state("a", schema.StateTypeTerminal),
				state("b", schema.StateTypeTerminal),
			)
			r := ValidateModule(d)
			assert.Equal(t, tt.valid, r.Valid(), r.Errors)
			if !tt.valid {
				assert.Equal(t, []string{schema.ErrCodeProbabilityMass}, codes(r.Errors))
			}
		})
	}
}

func TestValidateModule_DecisionIgnoresConditionalAndDefault(t *testing.T) {
	pick := decision("pick", map[string]any{"a": 0.6, "b": 0.4}, "a", "b")
	pick.Transitions = append([]schema.Transition{{
		To:        "a",
		Condition: &schema.Guard{Attribute: "smoker", Operator: "==", Value: true},
	}}, pick.Transitions...)
	pick.Transitions = append(pick.Transitions, schema.Transition{To: "b"})

	d := def("m",
		state("start", schema.StateTypeStart, "pick"),
		pick,
		state("a", schema.StateTypeTerminal),
		state("b", schema.StateTypeTerminal),
	)
	assert.True(t, ValidateModule(d).Valid())
}

func TestValidateModule_NonNumericProbability(t *testing.T) {
	d := def("m",
		state("start", schema.StateTypeStart, "pick"),
		decision("pick", map[string]any{"a": "often", "b": 1.0}, "a", "b"),
		state("a", schema.StateTypeTerminal),
		state("b", schema.StateTypeTerminal),
	)
	r := ValidateModule(d)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, schema.ErrCodeProbabilityType, r.Errors[0].Code)
	assert.Equal(t, "states.pick.transitions[0].probability", r.Errors[0].Path)
}

func TestValidateModule_DecisionWithoutWeights(t *testing.T) {
	tests := []struct {
		name    string
		weights map[string]any
	}{
		{"no weights", map[string]any{}},
		{"one weight short", map[string]any{"a": 0.4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := def("m",
				state("start", schema.StateTypeStart, "pick"),
				decision("pick", tt.weights, "a", "b"),
				state("a", schema.StateTypeTerminal),
				state("b", schema.StateTypeTerminal),
			)
			r := ValidateModule(d)
			assert.Equal(t, []string{schema.ErrCodeProbabilityMass}, codes(r.Errors))
		})
	}
}

func TestValidateModule_NegativeProbability(t *testing.T) {
	d := def("m",
		state("start", schema.StateTypeStart, "pick"),
		decision("pick", map[string]any{"a": 1.5, "b": -0.5}, "a", "b"),
		state("a", schema.StateTypeTerminal),
		state("b", schema.StateTypeTerminal),
	)
	r := ValidateModule(d)
	require.NotEmpty(t, r.Errors)
	assert.Equal(t, schema.ErrCodeProbabilityNegative, r.Errors[0].Code)
	assert.Equal(t, "states.pick.transitions[1].probability", r.Errors[0].Path)
	assert.True(t, r.HasIssue(schema.ErrCodeProbabilityMass))
}

func TestValidateModule_CallSubmodule(t *testing.T) {
	call := state("call", schema.StateTypeCallSubmodule, "end")
	d := def("m", state("start", schema.StateTypeStart, "call"), call)

	r := ValidateModule(d)
	assert.Equal(t, []string{schema.ErrCodeMissingSubmodule}, codes(r.Errors))

	call.Data["module"] = "labs"
	assert.True(t, ValidateModule(d).Valid())
}

func TestValidateModule_UnknownTypeWarns(t *testing.T) {
	odd := state("odd", schema.StateTypeUnknown, "end")
	odd.RawType = "teleport"
	d := def("m", state("start", schema.StateTypeStart, "odd"), odd)

	r := ValidateModule(d)
	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, schema.ErrCodeUnknownStateType, r.Warnings[0].Code)
	assert.Contains(t, r.Warnings[0].Message, "teleport")
}

func TestValidateModule_DoesNotMutate(t *testing.T) {
	d := def("m",
		state("start", schema.StateTypeStart, "pick"),
		decision("pick", map[string]any{"a": 0.2}, "a"),
		state("a", schema.StateTypeTerminal),
	)
	before := len(d.States["pick"].Transitions)
	_ = ValidateModule(d)
	assert.Len(t, d.States["pick"].Transitions, before)
	assert.Equal(t, []string{"start", "pick", "a"}, d.StateOrder)
}
