package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/carepath/pkg/schema"
)

// Code systems accepted by the terminology lint, keyed by normalized name.
var (
	conditionSystems    = []string{"ICD10", "ICD10CM", "SNOMED", "SNOMEDCT"}
	medicationSystems   = []string{"RXNORM", "NDC"}
	observationSystems  = []string{"LOINC"}
	immunizationSystems = []string{"CVX"}
)

// ValidateTerminology is the data-quality lint pass. Failing it does not
// block execution. Each coded entry of a clinical state must carry a code
// from a system appropriate to its state type.
func ValidateTerminology(def *schema.ModuleDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		return result
	}
	result.Module = def.Name

	for _, s := range def.OrderedStates() {
		switch s.Type {
		case schema.StateTypeConditionOnset:
			lintEntries(s, "conditions", "condition", conditionSystems, result)
		case schema.StateTypeMedicationStart:
			lintEntries(s, "medications", "medication", medicationSystems, result)
		case schema.StateTypeObservation:
			lintEntries(s, "observations", "observation", observationSystems, result)
		case schema.StateTypeImmunization:
			lintEntries(s, "immunizations", "immunization", immunizationSystems, result)
		case schema.StateTypeProcedure:
			lintEntries(s, "procedures", "procedure", nil, result)
		default:
		}
	}
	return result
}

// lintEntries checks every entry under the plural or singular key. A nil
// systems list accepts any system but still requires one.
func lintEntries(s *schema.State, plural, singular string, systems []string, result *schema.ValidationResult) {
	entries := Entries(s.Data, plural, singular)
	if len(entries) == 0 {
		result.AddError(statePath(s.Name), schema.ErrCodeMissingCode,
			fmt.Sprintf("%s state %q lists no %s", s.Type, s.Name, plural))
		return
	}
	for i, e := range entries {
		path := fmt.Sprintf("%s.%s[%d]", statePath(s.Name), plural, i)
		code, _ := e["code"].(string)
		system, _ := e["system"].(string)
		if code == "" {
			if n, ok := schema.ToFloat(e["code"]); ok {
				code = fmt.Sprint(n)
			}
		}
		if code == "" {
			result.AddError(path+".code", schema.ErrCodeMissingCode,
				fmt.Sprintf("%s %q in state %q has no code", singular, entryName(e), s.Name))
			continue
		}
		if system == "" {
			result.AddError(path+".system", schema.ErrCodeMissingCode,
				fmt.Sprintf("%s %q in state %q has no coding system", singular, entryName(e), s.Name))
			continue
		}
		if systems != nil && !systemAllowed(system, systems) {
			result.AddError(path+".system", schema.ErrCodeUnsupportedSystem,
				fmt.Sprintf("%s %q in state %q uses %s, expected one of %s",
					singular, entryName(e), s.Name, system, strings.Join(systems, ", ")))
		}
	}
}

// Entries returns the coded entries of a clinical state. It accepts a list
// under the plural key, a single mapping under the singular key, and bare
// strings (treated as names). A state with neither but with a top-level
// code is its own single entry.
func Entries(data map[string]any, plural, singular string) []map[string]any {
	if _, ok := data[plural]; !ok {
		if _, ok := data[singular]; !ok {
			if _, ok := data["code"]; ok {
				return []map[string]any{data}
			}
		}
	}

	var raw []any
	switch v := data[plural].(type) {
	case []any:
		raw = v
	case map[string]any:
		raw = []any{v}
	}
	if v, ok := data[singular]; ok {
		raw = append(raw, v)
	}

	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		switch e := r.(type) {
		case map[string]any:
			out = append(out, e)
		case string:
			out = append(out, map[string]any{"name": e})
		}
	}
	return out
}

// NormalizeSystem folds a code system name for comparison: "ICD-10-CM" → "ICD10CM".
func NormalizeSystem(system string) string {
	r := strings.NewReplacer("-", "", "_", "", " ", "", ".", "")
	return strings.ToUpper(r.Replace(system))
}

func systemAllowed(system string, allowed []string) bool {
	n := NormalizeSystem(system)
	for _, a := range allowed {
		if n == a {
			return true
		}
	}
	return false
}

func entryName(e map[string]any) string {
	for _, k := range []string{"name", "display"} {
		if s, ok := e[k].(string); ok && s != "" {
			return s
		}
	}
	return "<unnamed>"
}
