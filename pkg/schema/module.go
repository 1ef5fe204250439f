package schema

import "sort"

// EndState is the transition target that stops a run.
const EndState = "end"

// StartState is the state every module begins in.
const StartState = "start"

// ModuleDefinition is a loaded clinical pathway module.
// It is immutable once returned by the loader and may be shared between engines.
type ModuleDefinition struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Categories  map[Category]CategoryMode `json:"categories,omitempty"`
	States      map[string]*State         `json:"states"`
	StateOrder  []string                  `json:"state_order,omitempty"` // document order
	Source      string                    `json:"source,omitempty"`      // file the module was read from
}

// State is a named node in a module.
type State struct {
	Name        string              `json:"name"`
	Type        StateType           `json:"type"`
	RawType     string              `json:"raw_type,omitempty"` // original type string when Type is unknown
	Data        map[string]any      `json:"data,omitempty"`
	Transitions []Transition        `json:"transitions,omitempty"`
	Parameters  []ParameterMetadata `json:"parameters,omitempty"`
}

// Transition is one outgoing edge of a state. Exactly one of Probability or
// Condition is normally set; Probability is kept raw so malformed values can
// be reported instead of silently coerced.
type Transition struct {
	To          string `json:"to,omitempty"`
	Probability any    `json:"probability,omitempty"`
	Condition   *Guard `json:"condition,omitempty"`
}

// IsConditional reports whether the transition is guarded by a condition.
func (t Transition) IsConditional() bool {
	return t.Condition != nil
}

// Weight returns the numeric probability of the transition. ok is false if the
// probability is absent or not a number.
func (t Transition) Weight() (w float64, ok bool) {
	return ToFloat(t.Probability)
}

// Guard is a transition condition. Either an attribute comparison
// (Attribute/Operator/Value) or a CEL Expression.
type Guard struct {
	Attribute  string `json:"attribute,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// ParameterMetadata records one resolved `use:` token for provenance.
type ParameterMetadata struct {
	Token    string `json:"token"`
	Domain   string `json:"domain"`
	Path     string `json:"path"`
	SourceID string `json:"source_id,omitempty"`
}

// StateType is the closed set of state kinds a module can contain.
type StateType string

const (
	StateTypeStart           StateType = "start"
	StateTypeTerminal        StateType = "terminal"
	StateTypeEnd             StateType = "end"
	StateTypeDelay           StateType = "delay"
	StateTypeEncounter       StateType = "encounter"
	StateTypeEncounterEnd    StateType = "encounter_end"
	StateTypeConditionOnset  StateType = "condition_onset"
	StateTypeConditionEnd    StateType = "condition_end"
	StateTypeMedicationStart StateType = "medication_start"
	StateTypeMedicationEnd   StateType = "medication_end"
	StateTypeProcedure       StateType = "procedure"
	StateTypeImmunization    StateType = "immunization"
	StateTypeCarePlan        StateType = "care_plan"
	StateTypeObservation     StateType = "observation"
	StateTypeSymptom         StateType = "symptom"
	StateTypeSetAttribute    StateType = "set_attribute"
	StateTypeDecision        StateType = "decision"
	StateTypeCallSubmodule   StateType = "call_submodule"

	// StateTypeUnknown marks a type string outside the known set. Such states
	// execute as no-ops and still follow their transitions.
	StateTypeUnknown StateType = "unknown"
)

var knownStateTypes = map[StateType]bool{
	StateTypeStart: true, StateTypeTerminal: true, StateTypeEnd: true,
	StateTypeDelay: true, StateTypeEncounter: true, StateTypeEncounterEnd: true,
	StateTypeConditionOnset: true, StateTypeConditionEnd: true,
	StateTypeMedicationStart: true, StateTypeMedicationEnd: true,
	StateTypeProcedure: true, StateTypeImmunization: true, StateTypeCarePlan: true,
	StateTypeObservation: true, StateTypeSymptom: true, StateTypeSetAttribute: true,
	StateTypeDecision: true, StateTypeCallSubmodule: true,
}

// ParseStateType maps a raw type string onto the closed set.
func ParseStateType(raw string) StateType {
	t := StateType(raw)
	if knownStateTypes[t] {
		return t
	}
	return StateTypeUnknown
}

// IsTerminal reports whether a state of this type stops execution.
func (t StateType) IsTerminal() bool {
	return t == StateTypeTerminal || t == StateTypeEnd
}

// CategoryMode says whether module output replaces or augments baseline output.
type CategoryMode string

const (
	ModeAugment CategoryMode = "augment"
	ModeReplace CategoryMode = "replace"
)

// ReplacedCategories returns the sorted categories this module marks "replace".
func (d *ModuleDefinition) ReplacedCategories() []Category {
	var out []Category
	for c, m := range d.Categories {
		if m == ModeReplace {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OrderedStates returns states in document order. States missing from
// StateOrder are appended sorted by name.
func (d *ModuleDefinition) OrderedStates() []*State {
	out := make([]*State, 0, len(d.States))
	seen := make(map[string]bool, len(d.States))
	for _, name := range d.StateOrder {
		if s, ok := d.States[name]; ok && !seen[name] {
			out = append(out, s)
			seen[name] = true
		}
	}
	var rest []string
	for name := range d.States {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		out = append(out, d.States[name])
	}
	return out
}

// Submodules returns the distinct module names referenced by call_submodule
// states, in document order.
func (d *ModuleDefinition) Submodules() []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range d.OrderedStates() {
		if s.Type != StateTypeCallSubmodule {
			continue
		}
		name, _ := s.Data["module"].(string)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// Parameters returns every parameter token used by the module, sorted by token.
func (d *ModuleDefinition) Parameters() []ParameterMetadata {
	byToken := make(map[string]ParameterMetadata)
	for _, s := range d.States {
		for _, p := range s.Parameters {
			byToken[p.Token] = p
		}
	}
	out := make([]ParameterMetadata, 0, len(byToken))
	for _, p := range byToken {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// ToFloat converts the numeric kinds produced by the YAML/JSON decoders.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}
