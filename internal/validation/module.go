package validation

import (
	"fmt"
	"math"

	"github.com/rendis/carepath/pkg/schema"
)

const (
	// probabilityTolerance bounds how far a decision's probability mass may
	// drift from 1.0, absolute or relative, whichever is looser.
	probabilityTolerance = 0.05
	floatSlack           = 1e-9
)

// ValidateModule checks a loaded module for structural defects. It never
// mutates def and never panics on a well-formed definition value.
//
// Rules, in order: missing start (short-circuits), reachability from start,
// dangling transitions, decision probability mass, call_submodule references.
func ValidateModule(def *schema.ModuleDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "module definition is nil")
		return result
	}
	result.Module = def.Name

	if _, ok := def.States[schema.StartState]; !ok {
		result.AddError("states", schema.ErrCodeMissingStart,
			fmt.Sprintf("module %q has no %q state", def.Name, schema.StartState))
		return result
	}

	states := def.OrderedStates()

	checkReachability(def, states, result)
	for _, s := range states {
		checkDanglingTransitions(def, s, result)
	}
	for _, s := range states {
		if s.Type == schema.StateTypeDecision {
			checkProbabilityMass(s, result)
		}
	}
	for _, s := range states {
		switch s.Type {
		case schema.StateTypeCallSubmodule:
			if name, _ := s.Data["module"].(string); name == "" {
				result.AddError(statePath(s.Name)+".module", schema.ErrCodeMissingSubmodule,
					fmt.Sprintf("call_submodule state %q does not declare a module", s.Name))
			}
		case schema.StateTypeUnknown:
			result.AddWarning(statePath(s.Name)+".type", schema.ErrCodeUnknownStateType,
				fmt.Sprintf("state %q has unknown type %q and will execute as a no-op", s.Name, s.RawType))
		}
	}

	return result
}

// checkReachability runs a BFS from start over every transition target.
func checkReachability(def *schema.ModuleDefinition, states []*schema.State, result *schema.ValidationResult) {
	visited := map[string]bool{schema.StartState: true}
	queue := []string{schema.StartState}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		s := def.States[name]
		for _, tr := range s.Transitions {
			if tr.To == "" || tr.To == schema.EndState {
				continue
			}
			if _, ok := def.States[tr.To]; !ok || visited[tr.To] {
				continue // dangling targets are reported separately
			}
			visited[tr.To] = true
			queue = append(queue, tr.To)
		}
	}

	for _, s := range states {
		if !visited[s.Name] {
			result.AddError(statePath(s.Name), schema.ErrCodeUnreachable,
				fmt.Sprintf("state %q is unreachable from %q", s.Name, schema.StartState))
		}
	}
}

func checkDanglingTransitions(def *schema.ModuleDefinition, s *schema.State, result *schema.ValidationResult) {
	for i, tr := range s.Transitions {
		path := fmt.Sprintf("%s.transitions[%d]", statePath(s.Name), i)
		switch {
		case tr.To == "":
			result.AddError(path, schema.ErrCodeDanglingTarget,
				fmt.Sprintf("transition %d of state %q has no target", i, s.Name))
		case tr.To == schema.EndState:
		default:
			if _, ok := def.States[tr.To]; !ok {
				result.AddError(path+".to", schema.ErrCodeDanglingTarget,
					fmt.Sprintf("state %q transitions to unknown state %q", s.Name, tr.To))
			}
		}
	}
}

func checkProbabilityMass(s *schema.State, result *schema.ValidationResult) {
	// Without a probability, an unconditional transition is the fallback of a
	// conditional decision. In a purely random decision it weighs zero.
	hasConditional := false
	for _, tr := range s.Transitions {
		if tr.IsConditional() {
			hasConditional = true
			break
		}
	}

	var (
		sum      float64
		weighted int
	)
	for i, tr := range s.Transitions {
		if tr.IsConditional() {
			continue
		}
		if tr.Probability == nil {
			if !hasConditional {
				weighted++
			}
			continue
		}
		weighted++
		path := fmt.Sprintf("%s.transitions[%d].probability", statePath(s.Name), i)
		w, ok := tr.Weight()
		if !ok {
			result.AddError(path, schema.ErrCodeProbabilityType,
				fmt.Sprintf("decision %q transition %d has non-numeric probability %v", s.Name, i, tr.Probability))
			continue
		}
		if w < 0 {
			result.AddError(path, schema.ErrCodeProbabilityNegative,
				fmt.Sprintf("decision %q transition %d has negative probability %v", s.Name, i, w))
			continue
		}
		sum += w
	}
	if weighted == 0 {
		return
	}
	if !withinTolerance(sum, 1.0) {
		result.AddError(statePath(s.Name)+".transitions", schema.ErrCodeProbabilityMass,
			fmt.Sprintf("decision %q probabilities sum to %.4f, expected 1.0 ± %.2f", s.Name, sum, probabilityTolerance))
	}
}

// withinTolerance applies max(rel*max(|a|,|b|), abs) like math.isclose.
func withinTolerance(a, b float64) bool {
	tol := math.Max(probabilityTolerance*math.Max(math.Abs(a), math.Abs(b)), probabilityTolerance)
	return math.Abs(a-b) <= tol+floatSlack
}

func statePath(name string) string {
	return "states." + name
}
